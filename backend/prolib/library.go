package prolib

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/atomicfile"
)

// Backend packs files into procedure libraries. Libraries are not
// compressed, so the compression level is ignored.
type Backend struct {
	log logrus.FieldLogger
	now func() time.Time
}

// New returns a library backend logging to log.
func New(log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{log: log.WithField("prefix", "prolib"), now: time.Now}
}

// library is an opened container, or an empty one when the file is absent.
type library struct {
	path    string
	file    *os.File
	entries []Entry
}

func open(p string) (*library, error) {
	lib := &library{path: p}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return lib, archive.ErrNotFound
	}
	if err != nil {
		return nil, &archive.IOError{Op: "open", Path: p, Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &archive.IOError{Op: "stat", Path: p, Err: err}
	}
	if st.IsDir() {
		f.Close()
		return nil, &archive.IOError{Op: "open", Path: p, Err: errors.New("is a directory")}
	}
	entries, err := ReadDirectory(f, st.Size())
	if err != nil {
		f.Close()
		var fe *archive.FormatError
		if errors.As(err, &fe) {
			fe.Path = p
		}
		return nil, err
	}
	lib.file = f
	lib.entries = entries
	return lib, nil
}

func (l *library) close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// sources turns the current directory into encoder input reading the
// existing data section.
func (l *library) sources() []Source {
	out := make([]Source, len(l.entries))
	for i, e := range l.entries {
		e := e
		out[i] = Source{Entry: e, Open: func() (io.Reader, error) {
			return io.NewSectionReader(l.file, int64(e.Offset), int64(e.Size)), nil
		}}
	}
	return out
}

// rewrite encodes sources to a temporary file and swaps it into place. The
// previous container is closed before the swap.
func (l *library) rewrite(sources []Source) error {
	tmp, err := atomicfile.New(l.path, 0644)
	if err != nil {
		return &archive.IOError{Op: "create", Path: l.path, Err: err}
	}
	defer tmp.Abort()
	if err := WriteLibrary(tmp, sources); err != nil {
		return errors.Wrapf(err, "write %s", l.path)
	}
	l.close()
	if err := tmp.Commit(); err != nil {
		return &archive.IOError{Op: "commit", Path: l.path, Err: err}
	}
	return nil
}

// Pack merges files into the library at archivePath, replacing entries with
// the same key and creating the library when absent.
func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	p := archive.LocalPath(archivePath)
	lib, err := open(p)
	if err != nil && !archive.IsNotFound(err) {
		return nil, err
	}
	defer lib.close()

	sources := lib.sources()
	index := make(map[string]int, len(sources))
	for i, s := range sources {
		index[s.Name] = i
	}

	results := make([]archive.Result, len(files))
	changed := false
	for i, f := range files {
		key := archive.NormalizeKey(f.RelativePathInArchive)
		results[i].RelativePathInArchive = f.RelativePathInArchive
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		src, err := b.stage(f.SourcePath, key)
		if err != nil {
			results[i].Err = err
			continue
		}
		if j, ok := index[key]; ok {
			src.DateAdded = sources[j].DateAdded
			sources[j] = src
		} else {
			index[key] = len(sources)
			sources = append(sources, src)
		}
		changed = true
	}
	if changed {
		if err := lib.rewrite(sources); err != nil {
			return results, err
		}
	}
	b.log.WithField("archive", p).Debugf("library holds %d entries", len(sources))
	return results, nil
}

// stage reads one source file into memory so a failure stays attributable
// to that file rather than to the whole rewrite.
func (b *Backend) stage(sourcePath, key string) (Source, error) {
	if _, err := encodeName(key); err != nil {
		return Source{}, errors.Wrap(archive.ErrInvalidRequest, err.Error())
	}
	st, err := os.Stat(sourcePath)
	if err != nil {
		return Source{}, &archive.IOError{Op: "stat", Path: sourcePath, Err: err}
	}
	if !st.Mode().IsRegular() {
		return Source{}, &archive.IOError{Op: "read", Path: sourcePath, Err: errors.New("not a regular file")}
	}
	if st.Size() > math.MaxUint32 {
		return Source{}, &archive.IOError{Op: "read", Path: sourcePath, Err: errors.New("file too large for a library entry")}
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return Source{}, &archive.IOError{Op: "read", Path: sourcePath, Err: err}
	}
	return Source{
		Entry: Entry{
			Name:         key,
			Size:         uint32(len(data)),
			Type:         TypeFor(key),
			DateAdded:    b.now(),
			DateModified: st.ModTime(),
		},
		Open: func() (io.Reader, error) { return bytes.NewReader(data), nil },
	}, nil
}

// List reads the directory, never the data section.
func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	lib, err := open(archive.LocalPath(archivePath))
	if err != nil {
		return nil, err
	}
	defer lib.close()
	out := make([]archive.ArchivedFile, 0, len(lib.entries))
	for _, e := range lib.entries {
		typ, added := e.Type, e.DateAdded
		out = append(out, archive.ArchivedFile{
			ArchivePath:           archivePath,
			RelativePathInArchive: e.Name,
			SizeInBytes:           uint64(e.Size),
			LastWriteTime:         e.DateModified,
			Type:                  &typ,
			DateAdded:             &added,
		})
	}
	return out, nil
}

// Delete drops the entries named by keys and rewrites the library. Keys not
// present are ignored.
func (b *Backend) Delete(ctx context.Context, archivePath string, keys []string) error {
	p := archive.LocalPath(archivePath)
	lib, err := open(p)
	if err != nil {
		return err
	}
	defer lib.close()

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[archive.NormalizeKey(k)] = true
	}
	var kept []Source
	for _, s := range lib.sources() {
		if !drop[s.Name] {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(lib.entries) {
		return nil
	}
	b.log.WithField("archive", p).Infof("removing %d entries", len(lib.entries)-len(kept))
	return lib.rewrite(kept)
}
