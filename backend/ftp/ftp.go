package ftp

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
)

// Backend uploads each file as a remote file below the address path. Files
// are sent as they are; the compression level is ignored.
type Backend struct {
	pool *Pool
	log  logrus.FieldLogger
}

func New(pool *Pool, log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{pool: pool, log: log.WithField("prefix", "ftp")}
}

func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	ep, err := ParseAddress(archivePath)
	if err != nil {
		return nil, err
	}
	session := b.pool.Session(ep)
	conn, err := session.Connect(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]archive.Result, len(files))
	for i, f := range files {
		results[i].RelativePathInArchive = f.RelativePathInArchive
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if session.State() != Connected {
			if conn, err = session.Connect(ctx); err != nil {
				results[i].Err = err
				continue
			}
		}
		src := f.SourcePath
		open := func() (io.ReadCloser, error) {
			fd, err := os.Open(src)
			if err != nil {
				return nil, &archive.IOError{Op: "open", Path: src, Err: err}
			}
			return fd, nil
		}
		remote := path.Join(ep.Path, archive.NormalizeKey(f.RelativePathInArchive))
		results[i].Err = session.Upload(conn, remote, open)
	}
	b.log.WithField("archive", ep.String()).Debugf("uploaded %d files in mode %s", len(files), session.Mode())
	return results, nil
}

// List walks the remote tree below the address path.
func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	ep, err := ParseAddress(archivePath)
	if err != nil {
		return nil, err
	}
	conn, err := b.pool.Session(ep).Connect(ctx)
	if err != nil {
		return nil, err
	}
	root := ep.Path
	if root == "" {
		root = "."
	}
	var out []archive.ArchivedFile
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		infos, err := conn.ReadDir(dir)
		if err != nil {
			if dir == root && errors.Is(err, os.ErrNotExist) {
				return archive.ErrNotFound
			}
			return errors.Wrapf(err, "list %s", dir)
		}
		for _, fi := range infos {
			name := fi.Name()
			if name == "." || name == ".." {
				continue
			}
			key := path.Join(rel, name)
			if fi.IsDir() {
				if err := walk(path.Join(dir, name), key); err != nil {
					return err
				}
				continue
			}
			out = append(out, archive.ArchivedFile{
				ArchivePath:           archivePath,
				RelativePathInArchive: key,
				SizeInBytes:           uint64(fi.Size()),
				LastWriteTime:         fi.ModTime().Local(),
			})
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if archive.IsNotFound(err) {
			return nil, err
		}
		return nil, &archive.ProtocolError{Command: "LIST", Path: root, Err: err}
	}
	return out, nil
}
