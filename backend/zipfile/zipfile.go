// Package zipfile packs files into zip containers, updating existing
// containers in place of a full rebuild: unrelated entries are copied
// through without being recompressed.
package zipfile

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/atomicfile"
)

type Backend struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{log: log.WithField("prefix", "zip")}
}

// method maps a compression level onto a zip method and flate level.
func method(level archive.CompressionLevel) (uint16, int) {
	switch level {
	case archive.CompressionFastest:
		return zip.Deflate, flate.BestSpeed
	case archive.CompressionNormal:
		return zip.Deflate, 6
	case archive.CompressionBest:
		return zip.Deflate, flate.BestCompression
	}
	return zip.Store, flate.NoCompression
}

func openReader(p string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(p)
	switch {
	case err == nil:
		return zr, nil
	case os.IsNotExist(err):
		return nil, archive.ErrNotFound
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrAlgorithm), errors.Is(err, zip.ErrChecksum):
		return nil, &archive.FormatError{Path: p, Reason: err.Error()}
	}
	return nil, &archive.IOError{Op: "open", Path: p, Err: err}
}

// openSource opens staged files while the container is written.
var openSource = os.Open

// candidate is one request staged for an entry.
type candidate struct {
	source string
	info   os.FileInfo
	result int
}

// item is one entry of the rewritten container. Requests for the same key
// are kept in request order; the last one that opens wins, and the existing
// entry is copied raw when none does.
type item struct {
	key        string
	old        *zip.File
	candidates []candidate
}

func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	p := archive.LocalPath(archivePath)
	zr, err := openReader(p)
	if err != nil && !archive.IsNotFound(err) {
		return nil, err
	}
	defer func() {
		if zr != nil {
			zr.Close()
		}
	}()

	var items []*item
	index := map[string]*item{}
	if zr != nil {
		for _, f := range zr.File {
			it := &item{key: f.Name, old: f}
			items = append(items, it)
			index[f.Name] = it
		}
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
		info, err := checkSource(f.SourcePath)
		if err != nil {
			results[i].Err = err
			continue
		}
		it, ok := index[key]
		if !ok {
			it = &item{key: key}
			items = append(items, it)
			index[key] = it
		}
		it.candidates = append(it.candidates, candidate{source: f.SourcePath, info: info, result: i})
		changed = true
	}
	if !changed {
		return results, nil
	}

	tmp, err := atomicfile.New(p, 0644)
	if err != nil {
		return results, &archive.IOError{Op: "create", Path: p, Err: err}
	}
	defer tmp.Abort()

	zmethod, flateLevel := method(level)
	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flateLevel)
	})
	for _, it := range items {
		written, err := b.writeCandidates(zw, it, zmethod, results)
		if err != nil {
			return results, err
		}
		if written || it.old == nil {
			continue
		}
		if err := zw.Copy(it.old); err != nil {
			return results, errors.Wrapf(err, "copy entry %s", it.key)
		}
	}
	if err := zw.Close(); err != nil {
		return results, errors.Wrapf(err, "finish %s", p)
	}
	if zr != nil {
		zr.Close()
		zr = nil
	}
	if err := tmp.Commit(); err != nil {
		return results, &archive.IOError{Op: "commit", Path: p, Err: err}
	}
	b.log.WithField("archive", p).Debugf("zip holds %d entries", len(items))
	return results, nil
}

func checkSource(p string) (os.FileInfo, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, &archive.IOError{Op: "stat", Path: p, Err: err}
	}
	if !st.Mode().IsRegular() {
		return nil, &archive.IOError{Op: "read", Path: p, Err: errors.New("not a regular file")}
	}
	return st, nil
}

// writeCandidates writes the newest candidate of it that can be opened. A
// candidate failing to open only fails its own request; any other error
// fails the container.
func (b *Backend) writeCandidates(zw *zip.Writer, it *item, zmethod uint16, results []archive.Result) (bool, error) {
	for i := len(it.candidates) - 1; i >= 0; i-- {
		c := it.candidates[i]
		err := b.writeSource(zw, it.key, c, zmethod)
		if err == nil {
			return true, nil
		}
		var ioErr *archive.IOError
		if !errors.As(err, &ioErr) || ioErr.Op != "open" {
			return false, err
		}
		results[c.result].Err = err
	}
	return false, nil
}

func (b *Backend) writeSource(zw *zip.Writer, key string, c candidate, zmethod uint16) error {
	f, err := openSource(c.source)
	if err != nil {
		return &archive.IOError{Op: "open", Path: c.source, Err: err}
	}
	defer f.Close()
	hdr, err := zip.FileInfoHeader(c.info)
	if err != nil {
		return errors.Wrapf(err, "header for %s", c.source)
	}
	hdr.Name = key
	hdr.Method = zmethod
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrapf(err, "create entry %s", key)
	}
	if _, err := io.Copy(w, f); err != nil {
		return &archive.IOError{Op: "read", Path: c.source, Err: err}
	}
	return nil
}

func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	zr, err := openReader(archive.LocalPath(archivePath))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out := make([]archive.ArchivedFile, 0, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		out = append(out, archive.ArchivedFile{
			ArchivePath:           archivePath,
			RelativePathInArchive: f.Name,
			SizeInBytes:           f.UncompressedSize64,
			LastWriteTime:         f.Modified.Local(),
		})
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, archivePath string, keys []string) error {
	p := archive.LocalPath(archivePath)
	zr, err := openReader(p)
	if err != nil {
		return err
	}
	defer func() {
		if zr != nil {
			zr.Close()
		}
	}()

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[archive.NormalizeKey(k)] = true
	}
	var kept []*zip.File
	for _, f := range zr.File {
		if !drop[f.Name] {
			kept = append(kept, f)
		}
	}
	removed := len(zr.File) - len(kept)
	if removed == 0 {
		return nil
	}

	tmp, err := atomicfile.New(p, 0644)
	if err != nil {
		return &archive.IOError{Op: "create", Path: p, Err: err}
	}
	defer tmp.Abort()
	zw := zip.NewWriter(tmp)
	for _, f := range kept {
		if err := zw.Copy(f); err != nil {
			return errors.Wrapf(err, "copy entry %s", f.Name)
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, "finish %s", p)
	}
	zr.Close()
	zr = nil
	if err := tmp.Commit(); err != nil {
		return &archive.IOError{Op: "commit", Path: p, Err: err}
	}
	b.log.WithField("archive", p).Infof("removed %d entries", removed)
	return nil
}
