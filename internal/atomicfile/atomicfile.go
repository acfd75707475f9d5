// Package atomicfile writes a file through a temporary sibling that is renamed
// over the destination only on Commit.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// File is a pending replacement of a destination path. Exactly one of Commit
// or Abort must be called; calling Abort after Commit is a no-op, which lets
// callers defer Abort unconditionally.
type File struct {
	*renameio.PendingFile
	dest string
	done bool
}

// New creates the temporary file in the destination directory so the final
// rename stays on one file system. Missing parent directories are created.
func New(dest string, perm os.FileMode) (*File, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create directory %s", dir)
	}
	pf, err := renameio.NewPendingFile(dest,
		renameio.WithTempDir(dir),
		renameio.WithStaticPermissions(perm),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create temporary file for %s", dest)
	}
	return &File{PendingFile: pf, dest: dest}, nil
}

// Commit flushes the temporary file and renames it over the destination.
func (f *File) Commit() error {
	if f.done {
		return errors.New("atomicfile: already finished")
	}
	f.done = true
	if err := f.CloseAtomicallyReplace(); err != nil {
		f.PendingFile.Cleanup()
		return errors.Wrapf(err, "replace %s", f.dest)
	}
	return nil
}

// Abort discards the temporary file, leaving the destination untouched.
func (f *File) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.PendingFile.Cleanup()
}
