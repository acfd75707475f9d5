// Package cab writes and lists Microsoft cabinet files. Cabinets are built
// once per pack call from the whole file set; there is no append.
package cab

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

const (
	signature = "MSCF"

	compressNone  uint16 = 0
	compressMSZIP uint16 = 1

	attrArchive  uint16 = 0x20
	attrNameUTF8 uint16 = 0x80

	blockSize   = 32768
	maxFiles    = 0xFFFF
	maxFolder   = 0x7FFF8000
	headerSize  = 36
	folderSize  = 8
	fileFixed   = 16
	dataHdrSize = 8
)

type cfHeader struct {
	Signature    [4]byte
	Reserved1    uint32
	CabinetSize  uint32
	Reserved2    uint32
	FilesOffset  uint32
	Reserved3    uint32
	VersionMinor uint8
	VersionMajor uint8
	Folders      uint16
	Files        uint16
	Flags        uint16
	SetID        uint16
	Cabinet      uint16
}

type cfFolder struct {
	DataOffset  uint32
	DataBlocks  uint16
	Compression uint16
}

type cfFile struct {
	Size         uint32
	FolderOffset uint32
	Folder       uint16
	Date         uint16
	Time         uint16
	Attributes   uint16
}

type cfData struct {
	Checksum     uint32
	Compressed   uint16
	Uncompressed uint16
}

// File is one cabinet member.
type File struct {
	Name     string
	Size     uint32
	Modified time.Time
}

func dosDateTime(t time.Time) (uint16, uint16) {
	t = t.Local()
	if t.Year() < 1980 {
		return 1<<5 | 1, 0
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, t.Location())
	}
	date := uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

func fromDOS(date, tm uint16) time.Time {
	return time.Date(int(date>>9)+1980, time.Month(date>>5&0xF), int(date&0x1F),
		int(tm>>11), int(tm>>5&0x3F), int(tm&0x1F)*2, 0, time.Local)
}

func cabName(key string) string {
	return strings.ReplaceAll(key, "/", `\`)
}

// Member is a file to write. Open must yield exactly Size bytes.
type Member struct {
	File
	Open func() (io.ReadCloser, error)
}

// Write builds a single-folder cabinet holding members in order. A flate
// level of flate.NoCompression stores the data uncompressed, any other level
// produces MSZIP blocks.
func Write(w io.WriteSeeker, members []Member, flateLevel int) error {
	if len(members) > maxFiles {
		return errors.Errorf("cabinet cannot hold %d files", len(members))
	}
	var total uint64
	var table bytes.Buffer
	for _, m := range members {
		date, tm := dosDateTime(m.Modified)
		attrs := attrArchive
		name := cabName(m.Name)
		for _, r := range name {
			if r > 0x7F {
				attrs |= attrNameUTF8
				break
			}
		}
		binary.Write(&table, binary.LittleEndian, cfFile{
			Size: m.Size, FolderOffset: uint32(total), Date: date, Time: tm, Attributes: attrs,
		})
		table.WriteString(name)
		table.WriteByte(0)
		total += uint64(m.Size)
		if total > maxFolder {
			return errors.Errorf("cabinet folder exceeds %d bytes", maxFolder)
		}
	}

	compression := compressMSZIP
	if flateLevel == flate.NoCompression {
		compression = compressNone
	}
	filesOffset := uint32(headerSize + folderSize)
	dataOffset := filesOffset + uint32(table.Len())

	// Header and folder are written again once block count and size are known.
	if _, err := w.Write(make([]byte, headerSize+folderSize)); err != nil {
		return errors.Wrap(err, "write header placeholder")
	}
	if _, err := table.WriteTo(w); err != nil {
		return errors.Wrap(err, "write file table")
	}

	bw := &blockWriter{w: w, compression: compression, level: flateLevel, size: dataOffset}
	for _, m := range members {
		rc, err := m.Open()
		if err != nil {
			return errors.Wrapf(err, "open %s", m.Name)
		}
		n, err := io.Copy(bw, rc)
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "write %s", m.Name)
		}
		if n != int64(m.Size) {
			return errors.Errorf("%s changed size while packing: %d of %d bytes", m.Name, n, m.Size)
		}
	}
	if err := bw.flush(); err != nil {
		return err
	}

	hdr := cfHeader{
		CabinetSize:  bw.size,
		FilesOffset:  filesOffset,
		VersionMinor: 3,
		VersionMajor: 1,
		Folders:      1,
		Files:        uint16(len(members)),
	}
	copy(hdr.Signature[:], signature)
	folder := cfFolder{DataOffset: dataOffset, DataBlocks: bw.blocks, Compression: compression}
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek to header")
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := binary.Write(w, binary.LittleEndian, folder); err != nil {
		return errors.Wrap(err, "write folder")
	}
	_, err := w.Seek(0, io.SeekEnd)
	return err
}

// blockWriter splits the folder stream into CFDATA blocks.
type blockWriter struct {
	w           io.Writer
	compression uint16
	level       int
	buf         []byte
	blocks      uint16
	size        uint32
	packed      bytes.Buffer
	fw          *flate.Writer
}

func (b *blockWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		room := blockSize - len(b.buf)
		if room > len(p) {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
		p = p[room:]
		n += room
		if len(b.buf) == blockSize {
			if err := b.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (b *blockWriter) flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	payload := b.buf
	if b.compression == compressMSZIP {
		b.packed.Reset()
		b.packed.WriteString("CK")
		if b.fw == nil {
			fw, err := flate.NewWriter(&b.packed, b.level)
			if err != nil {
				return errors.Wrap(err, "mszip encoder")
			}
			b.fw = fw
		} else {
			b.fw.Reset(&b.packed)
		}
		if _, err := b.fw.Write(b.buf); err != nil {
			return errors.Wrap(err, "mszip block")
		}
		if err := b.fw.Close(); err != nil {
			return errors.Wrap(err, "mszip block")
		}
		payload = b.packed.Bytes()
	}
	if b.blocks == 0xFFFF {
		return errors.New("cabinet folder has too many data blocks")
	}
	hdr := cfData{Compressed: uint16(len(payload)), Uncompressed: uint16(len(b.buf))}
	if err := binary.Write(b.w, binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "write data block")
	}
	if _, err := b.w.Write(payload); err != nil {
		return errors.Wrap(err, "write data block")
	}
	b.blocks++
	b.size += uint32(dataHdrSize + len(payload))
	b.buf = b.buf[:0]
	return nil
}

// Read lists the members recorded in a cabinet's file table.
func Read(r io.ReaderAt) ([]File, error) {
	var hdr cfHeader
	if err := binary.Read(io.NewSectionReader(r, 0, headerSize), binary.LittleEndian, &hdr); err != nil {
		return nil, formatErr(0, "truncated header")
	}
	if string(hdr.Signature[:]) != signature {
		return nil, formatErr(0, "bad signature")
	}
	if hdr.VersionMajor != 1 {
		return nil, formatErr(25, "unsupported version %d.%d", hdr.VersionMajor, hdr.VersionMinor)
	}
	offset := int64(hdr.FilesOffset)
	files := make([]File, 0, hdr.Files)
	for i := 0; i < int(hdr.Files); i++ {
		var f cfFile
		if err := binary.Read(io.NewSectionReader(r, offset, fileFixed), binary.LittleEndian, &f); err != nil {
			return nil, formatErr(offset, "truncated file entry %d", i)
		}
		offset += fileFixed
		name, err := readCString(r, offset)
		if err != nil {
			return nil, err
		}
		offset += int64(len(name)) + 1
		files = append(files, File{
			Name:     strings.ReplaceAll(name, `\`, "/"),
			Size:     f.Size,
			Modified: fromDOS(f.Date, f.Time),
		})
	}
	return files, nil
}

func readCString(r io.ReaderAt, offset int64) (string, error) {
	var name []byte
	chunk := make([]byte, 64)
	for len(name) < 256 {
		n, err := r.ReadAt(chunk, offset+int64(len(name)))
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(name, chunk[:i]...)), nil
		}
		name = append(name, chunk[:n]...)
		if err != nil {
			return "", formatErr(offset, "unterminated name")
		}
	}
	return "", formatErr(offset, "name too long")
}
