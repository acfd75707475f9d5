package prolib

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/openrelayxyz/archivemanager/archive"
)

func source(name string, data string, typ uint8, added, modified time.Time) Source {
	return Source{
		Entry: Entry{Name: name, Size: uint32(len(data)), Type: typ, DateAdded: added, DateModified: modified},
		Open:  func() (io.Reader, error) { return strings.NewReader(data), nil },
	}
}

func encode(t *testing.T, sources ...Source) []byte {
	t.Helper()
	var buf bytes.Buffer
	assert.NilError(t, WriteLibrary(&buf, sources))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	added := time.Date(2021, 3, 4, 5, 6, 7, 890000000, time.Local)
	modified := time.Date(2022, 12, 31, 23, 59, 58, 1, time.UTC)
	raw := encode(t,
		source("README.txt", "hi", TypeData, added, modified),
		source("sub/dir/prog.r", "rcode bytes", TypeRCode, added, modified),
		source("café/ÿ.p", "x", TypeData, added, modified),
		source("empty", "", 7, added, modified),
	)

	entries, err := ReadDirectory(bytes.NewReader(raw), int64(len(raw)))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 4))

	want := []struct {
		name string
		data string
		typ  uint8
	}{{"README.txt", "hi", TypeData}, {"sub/dir/prog.r", "rcode bytes", TypeRCode}, {"café/ÿ.p", "x", TypeData}, {"empty", "", 7}}
	for i, e := range entries {
		assert.Check(t, is.Equal(e.Name, want[i].name))
		assert.Check(t, is.Equal(e.Size, uint32(len(want[i].data))))
		assert.Check(t, is.Equal(e.Type, want[i].typ))
		assert.Check(t, e.DateAdded.Equal(added.Truncate(time.Second)), "%v", e.DateAdded)
		assert.Check(t, e.DateModified.Equal(modified.Truncate(time.Second)), "%v", e.DateModified)
		assert.Check(t, is.Equal(e.DateAdded.Location(), time.Local))
		assert.Check(t, is.Equal(string(raw[e.Offset:e.Offset+e.Size]), want[i].data))
	}
}

func TestIntegersAreBigEndian(t *testing.T) {
	stamp := time.Unix(0x01020304, 0)
	raw := encode(t, source("a", "xyz", TypeRCode, stamp, stamp))

	assert.Check(t, is.DeepEqual(raw[0:4], []byte{0xD7, 0x07, Version, 0}))
	assert.Check(t, is.DeepEqual(raw[4:8], []byte{0, 0, 0, 1}))
	// name "a\x00" then offset, size, type, added, modified
	fields := raw[headerSize+2:]
	dataStart := uint32(headerSize + 2 + fixedFieldsSize)
	assert.Check(t, is.Equal(binary.BigEndian.Uint32(fields[0:4]), dataStart))
	assert.Check(t, is.DeepEqual(fields[4:8], []byte{0, 0, 0, 3}))
	assert.Check(t, is.Equal(fields[8], TypeRCode))
	assert.Check(t, is.DeepEqual(fields[9:13], []byte{1, 2, 3, 4}))
	assert.Check(t, is.DeepEqual(fields[13:17], []byte{1, 2, 3, 4}))
	assert.Check(t, is.Equal(string(raw[dataStart:]), "xyz"))
}

func TestNamesUseLegacyCodepage(t *testing.T) {
	raw := encode(t, source("é", "", TypeData, time.Time{}, time.Time{}))
	assert.Check(t, is.DeepEqual(raw[headerSize:headerSize+2], []byte{0xE9, 0}))

	var buf bytes.Buffer
	err := WriteLibrary(&buf, []Source{source("日本", "", TypeData, time.Time{}, time.Time{})})
	assert.ErrorContains(t, err, "not representable")
}

func TestTruncatedContainers(t *testing.T) {
	now := time.Now()
	raw := encode(t, source("README.txt", "hi", TypeData, now, now), source("NOTES.txt", "note", TypeData, now, now))
	dirEnd := headerSize + len("README.txt") + 1 + fixedFieldsSize + len("NOTES.txt") + 1 + fixedFieldsSize

	for _, n := range []int{0, 1, headerSize - 1, headerSize, headerSize + 3, headerSize + len("README.txt") + 1 + 5, dirEnd - 1, dirEnd + 1} {
		_, err := ReadDirectory(bytes.NewReader(raw[:n]), int64(n))
		assert.Check(t, errors.Is(err, archive.ErrFormat), "length %d: %v", n, err)
	}
	// Listing ignores the data section when no size is supplied.
	entries, err := ReadDirectory(bytes.NewReader(raw[:dirEnd]), -1)
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 2))
}

func TestCorruptHeader(t *testing.T) {
	now := time.Now()
	raw := encode(t, source("a.r", "data", TypeRCode, now, now))

	badMagic := append([]byte{}, raw...)
	badMagic[0] = 'P'
	_, err := ReadDirectory(bytes.NewReader(badMagic), int64(len(raw)))
	assert.ErrorContains(t, err, "bad magic")

	badVersion := append([]byte{}, raw...)
	badVersion[2] = 9
	_, err = ReadDirectory(bytes.NewReader(badVersion), int64(len(raw)))
	assert.ErrorContains(t, err, "unsupported version 9")

	flipped := append([]byte{}, raw...)
	flipped[headerSize] ^= 0x20
	_, err = ReadDirectory(bytes.NewReader(flipped), int64(len(raw)))
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestShortSourceFailsEncode(t *testing.T) {
	s := source("a", "abc", TypeData, time.Time{}, time.Time{})
	s.Size = 10
	var buf bytes.Buffer
	assert.ErrorContains(t, WriteLibrary(&buf, []Source{s}), "short read")
}

func TestTypeFor(t *testing.T) {
	assert.Check(t, is.Equal(TypeFor("a/b/prog.r"), TypeRCode))
	assert.Check(t, is.Equal(TypeFor("PROG.R"), TypeRCode))
	assert.Check(t, is.Equal(TypeFor("prog.p"), TypeData))
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
