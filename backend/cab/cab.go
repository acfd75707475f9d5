package cab

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/atomicfile"
)

// Backend builds cabinets. Every Pack call replaces the cabinet with one
// holding exactly the files of that call, so callers growing a cabinet over
// several calls pass the cumulative file set each time.
type Backend struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Backend {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{log: log.WithField("prefix", "cab")}
}

func flateLevel(level archive.CompressionLevel) int {
	switch level {
	case archive.CompressionFastest:
		return flate.BestSpeed
	case archive.CompressionNormal:
		return 6
	case archive.CompressionBest:
		return flate.BestCompression
	}
	return flate.NoCompression
}

func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	p := archive.LocalPath(archivePath)
	results := make([]archive.Result, len(files))
	var members []Member
	index := map[string]int{}
	for i, f := range files {
		results[i].RelativePathInArchive = f.RelativePathInArchive
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		m, err := member(f)
		if err != nil {
			results[i].Err = err
			continue
		}
		if j, ok := index[m.Name]; ok {
			members[j] = m
			continue
		}
		index[m.Name] = len(members)
		members = append(members, m)
	}

	// Nothing staged: keep whatever cabinet is already there.
	if len(members) == 0 && len(files) > 0 {
		return results, nil
	}

	tmp, err := atomicfile.New(p, 0644)
	if err != nil {
		return results, &archive.IOError{Op: "create", Path: p, Err: err}
	}
	defer tmp.Abort()
	if err := Write(tmp, members, flateLevel(level)); err != nil {
		return results, errors.Wrapf(err, "build %s", p)
	}
	if err := tmp.Commit(); err != nil {
		return results, &archive.IOError{Op: "commit", Path: p, Err: err}
	}
	b.log.WithField("archive", p).Debugf("cabinet built with %d files", len(members))
	return results, nil
}

func member(f archive.FileToArchive) (Member, error) {
	st, err := os.Stat(f.SourcePath)
	if err != nil {
		return Member{}, &archive.IOError{Op: "stat", Path: f.SourcePath, Err: err}
	}
	if !st.Mode().IsRegular() {
		return Member{}, &archive.IOError{Op: "read", Path: f.SourcePath, Err: errors.New("not a regular file")}
	}
	if st.Size() > math.MaxUint32 {
		return Member{}, &archive.IOError{Op: "read", Path: f.SourcePath, Err: errors.New("file too large for a cabinet")}
	}
	// Fail here rather than mid-build when the file cannot be opened.
	fd, err := os.Open(f.SourcePath)
	if err != nil {
		return Member{}, &archive.IOError{Op: "open", Path: f.SourcePath, Err: err}
	}
	fd.Close()
	src := f.SourcePath
	return Member{
		File: File{Name: archive.NormalizeKey(f.RelativePathInArchive), Size: uint32(st.Size()), Modified: st.ModTime()},
		Open: func() (io.ReadCloser, error) { return os.Open(src) },
	}, nil
}

func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	p := archive.LocalPath(archivePath)
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, &archive.IOError{Op: "open", Path: p, Err: err}
	}
	defer f.Close()
	members, err := Read(f)
	if err != nil {
		var fe *archive.FormatError
		if errors.As(err, &fe) {
			fe.Path = p
		}
		return nil, err
	}
	out := make([]archive.ArchivedFile, len(members))
	for i, m := range members {
		out[i] = archive.ArchivedFile{
			ArchivePath:           archivePath,
			RelativePathInArchive: m.Name,
			SizeInBytes:           uint64(m.Size),
			LastWriteTime:         m.Modified,
		}
	}
	return out, nil
}

func formatErr(offset int64, format string, args ...interface{}) error {
	return &archive.FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
