// Package fsdir treats a plain directory as a container: each entry is a
// file below the directory root.
package fsdir

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

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
	return &Backend{log: log.WithField("prefix", "fsdir")}
}

// target resolves key below root. Normalized keys are rooted, so ".."
// segments cannot climb out of root.
func target(root, key string) (string, error) {
	key = archive.NormalizeKey(key)
	if key == "" {
		return "", errors.Wrap(archive.ErrInvalidRequest, "empty entry key")
	}
	return filepath.Join(root, filepath.FromSlash(key)), nil
}

// Pack copies each file below the directory, creating it and any parent
// directories as needed. The compression level is ignored.
func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	root := archive.LocalPath(archivePath)
	if st, err := os.Stat(root); err == nil && !st.IsDir() {
		return nil, &archive.IOError{Op: "open", Path: root, Err: errors.New("not a directory")}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &archive.IOError{Op: "mkdir", Path: root, Err: err}
	}
	results := make([]archive.Result, len(files))
	for i, f := range files {
		results[i].RelativePathInArchive = f.RelativePathInArchive
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		dest, err := target(root, f.RelativePathInArchive)
		if err == nil {
			err = copyFile(f.SourcePath, dest)
		}
		if err != nil {
			b.log.WithField("entry", f.RelativePathInArchive).WithError(err).Debug("copy failed")
		}
		results[i].Err = err
	}
	return results, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return &archive.IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return &archive.IOError{Op: "stat", Path: src, Err: err}
	}
	if !st.Mode().IsRegular() {
		return &archive.IOError{Op: "read", Path: src, Err: errors.New("not a regular file")}
	}
	out, err := atomicfile.New(dest, st.Mode().Perm())
	if err != nil {
		return &archive.IOError{Op: "create", Path: dest, Err: err}
	}
	defer out.Abort()
	if _, err := io.Copy(out, in); err != nil {
		return &archive.IOError{Op: "copy", Path: src, Err: err}
	}
	if err := out.Commit(); err != nil {
		return &archive.IOError{Op: "commit", Path: dest, Err: err}
	}
	return os.Chtimes(dest, st.ModTime(), st.ModTime())
}

func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	root := archive.LocalPath(archivePath)
	st, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, &archive.IOError{Op: "stat", Path: root, Err: err}
	}
	if !st.IsDir() {
		return nil, &archive.IOError{Op: "list", Path: root, Err: errors.New("not a directory")}
	}
	var out []archive.ArchivedFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, archive.ArchivedFile{
			ArchivePath:           archivePath,
			RelativePathInArchive: filepath.ToSlash(rel),
			SizeInBytes:           uint64(info.Size()),
			LastWriteTime:         info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &archive.IOError{Op: "walk", Path: root, Err: err}
	}
	return out, nil
}

// Delete removes the named files and prunes directories left empty.
func (b *Backend) Delete(ctx context.Context, archivePath string, keys []string) error {
	root := archive.LocalPath(archivePath)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return archive.ErrNotFound
	}
	for _, k := range keys {
		p, err := target(root, k)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &archive.IOError{Op: "remove", Path: p, Err: err}
		}
		for dir := filepath.Dir(p); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
	}
	return nil
}
