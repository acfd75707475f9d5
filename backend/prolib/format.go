// Package prolib reads and writes procedure library containers: a header, a
// directory of NUL terminated names with big-endian metadata, and a data
// section holding the entry bytes back to back.
package prolib

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"

	"github.com/openrelayxyz/archivemanager/archive"
)

const (
	Magic   uint16 = 0xD707
	Version uint8  = 1

	headerSize = 12
	// offset, size, type, dateAdded, dateModified
	fixedFieldsSize = 4 + 4 + 1 + 4 + 4
	maxNameSize     = 4096
)

// Entry types.
const (
	TypeData  uint8 = 0
	TypeRCode uint8 = 1
)

// Entry is one directory record. Offset is absolute within the container.
type Entry struct {
	Name         string
	Offset       uint32
	Size         uint32
	Type         uint8
	DateAdded    time.Time
	DateModified time.Time
}

// TypeFor derives the entry type from its name.
func TypeFor(name string) uint8 {
	if strings.EqualFold(path.Ext(name), ".r") {
		return TypeRCode
	}
	return TypeData
}

var codepage = charmap.Windows1252

func encodeName(name string) ([]byte, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return nil, errors.Errorf("entry name %q contains a NUL byte", name)
	}
	b, err := codepage.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, errors.Wrapf(err, "entry name %q is not representable in %s", name, codepage)
	}
	if len(b) > maxNameSize {
		return nil, errors.Errorf("entry name %q is longer than %d bytes", name, maxNameSize)
	}
	return b, nil
}

func encodeTime(t time.Time) uint32 {
	sec := t.UTC().Unix()
	switch {
	case t.IsZero(), sec < 0:
		return 0
	case sec > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(sec)
}

func decodeTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0).Local()
}

// ReadDirectory decodes the header and directory of a container. size is the
// total container length used to check that entry data lies inside it; pass
// a negative size to skip that check.
func ReadDirectory(r io.Reader, size int64) ([]Entry, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, formatErr(0, "truncated header")
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != Magic {
		return nil, formatErr(0, "bad magic")
	}
	if hdr[2] != Version {
		return nil, formatErr(2, "unsupported version %d", hdr[2])
	}
	count := binary.BigEndian.Uint32(hdr[4:8])
	sum := binary.BigEndian.Uint32(hdr[8:12])

	br := bufio.NewReader(r)
	crc := crc32.NewIEEE()
	offset := int64(headerSize)
	entries := make([]Entry, 0, min(count, 1<<16))
	for i := uint32(0); i < count; i++ {
		raw, err := br.ReadBytes(0)
		if err != nil {
			if err == io.EOF {
				return nil, formatErr(offset, "unterminated name of entry %d", i)
			}
			return nil, errors.Wrap(err, "read entry name")
		}
		if len(raw) > maxNameSize+1 {
			return nil, formatErr(offset, "entry %d name too long", i)
		}
		crc.Write(raw)
		name, err := codepage.NewDecoder().Bytes(raw[:len(raw)-1])
		if err != nil {
			return nil, formatErr(offset, "entry %d name: %v", i, err)
		}
		offset += int64(len(raw))

		var fixed [fixedFieldsSize]byte
		if _, err := io.ReadFull(br, fixed[:]); err != nil {
			return nil, formatErr(offset, "truncated fields of entry %d", i)
		}
		crc.Write(fixed[:])
		e := Entry{
			Name:         string(name),
			Offset:       binary.BigEndian.Uint32(fixed[0:4]),
			Size:         binary.BigEndian.Uint32(fixed[4:8]),
			Type:         fixed[8],
			DateAdded:    decodeTime(binary.BigEndian.Uint32(fixed[9:13])),
			DateModified: decodeTime(binary.BigEndian.Uint32(fixed[13:17])),
		}
		offset += fixedFieldsSize
		entries = append(entries, e)
	}
	if crc.Sum32() != sum {
		return nil, formatErr(headerSize, "directory checksum mismatch")
	}
	for i, e := range entries {
		end := int64(e.Offset) + int64(e.Size)
		if int64(e.Offset) < offset || (size >= 0 && end > size) {
			return nil, formatErr(offset, "entry %d (%s) data range %d-%d outside the data section", i, e.Name, e.Offset, end)
		}
	}
	return entries, nil
}

// Source is an entry to encode. Offset is ignored and assigned by
// WriteLibrary; the reader returned by Open must yield exactly Size bytes.
type Source struct {
	Entry
	Open func() (io.Reader, error)
}

// WriteLibrary encodes sources, in order, as a complete container. The
// assigned offsets are stored back into sources.
func WriteLibrary(w io.Writer, sources []Source) error {
	if uint64(len(sources)) > math.MaxUint32 {
		return errors.New("too many entries")
	}
	names := make([][]byte, len(sources))
	dataStart := uint64(headerSize)
	for i, s := range sources {
		b, err := encodeName(s.Name)
		if err != nil {
			return err
		}
		names[i] = b
		dataStart += uint64(len(b)) + 1 + fixedFieldsSize
	}

	var dir bytes.Buffer
	next := dataStart
	for i := range sources {
		s := &sources[i]
		if next+uint64(s.Size) > math.MaxUint32 {
			return errors.Errorf("container exceeds %d bytes at entry %s", uint64(math.MaxUint32), s.Name)
		}
		s.Offset = uint32(next)
		next += uint64(s.Size)

		dir.Write(names[i])
		dir.WriteByte(0)
		var fixed [fixedFieldsSize]byte
		binary.BigEndian.PutUint32(fixed[0:4], s.Offset)
		binary.BigEndian.PutUint32(fixed[4:8], s.Size)
		fixed[8] = s.Type
		binary.BigEndian.PutUint32(fixed[9:13], encodeTime(s.DateAdded))
		binary.BigEndian.PutUint32(fixed[13:17], encodeTime(s.DateModified))
		dir.Write(fixed[:])
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = Version
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(sources)))
	binary.BigEndian.PutUint32(hdr[8:12], crc32.ChecksumIEEE(dir.Bytes()))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := dir.WriteTo(w); err != nil {
		return errors.Wrap(err, "write directory")
	}

	for _, s := range sources {
		r, err := s.Open()
		if err != nil {
			return errors.Wrapf(err, "open %s", s.Name)
		}
		n, err := io.CopyN(w, r, int64(s.Size))
		if closer, ok := r.(io.Closer); ok {
			closer.Close()
		}
		if err != nil {
			if err == io.EOF {
				return errors.Errorf("entry %s: short read, %d of %d bytes", s.Name, n, s.Size)
			}
			return errors.Wrapf(err, "write %s", s.Name)
		}
	}
	return nil
}

func formatErr(offset int64, format string, args ...interface{}) error {
	return &archive.FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
