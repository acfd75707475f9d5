// Package archive holds the data model shared by every container backend and
// the contract each backend satisfies.
package archive

import (
	"context"
	"io"
	"time"
)

// FileToArchive describes one desired transfer of a local file into a
// container. ArchivePath names the container (a path, an URI or a server
// address) and RelativePathInArchive is the entry key inside it.
type FileToArchive struct {
	SourcePath            string `yaml:"source" json:"source"`
	ArchivePath           string `yaml:"archive" json:"archive"`
	RelativePathInArchive string `yaml:"entry" json:"entry"`
}

// FileToDeployInPackage is the build-once counterpart of FileToArchive.
type FileToDeployInPackage struct {
	From               string `yaml:"from" json:"from"`
	PackPath           string `yaml:"pack" json:"pack"`
	RelativePathInPack string `yaml:"entry" json:"entry"`
}

// ToArchive converts the deployment descriptor into the equivalent transfer.
func (f FileToDeployInPackage) ToArchive() FileToArchive {
	return FileToArchive{
		SourcePath:            f.From,
		ArchivePath:           f.PackPath,
		RelativePathInArchive: f.RelativePathInPack,
	}
}

// ArchivedFile is one entry reported by listing a container. Type and
// DateAdded are only filled in by backends that record them.
type ArchivedFile struct {
	ArchivePath           string
	RelativePathInArchive string
	SizeInBytes           uint64
	LastWriteTime         time.Time
	Type                  *uint8
	DateAdded             *time.Time
}

// ProgressEvent reports the outcome of one file or of a whole container.
// An empty RelativePathInArchive marks a container level event and a nil
// Err marks success.
type ProgressEvent struct {
	ArchivePath           string
	RelativePathInArchive string
	Err                   error
}

// GroupLevel reports whether the event concerns the whole container.
func (e ProgressEvent) GroupLevel() bool {
	return e.RelativePathInArchive == ""
}

// ProgressFunc receives progress events. It is called from the goroutine
// running Pack.
type ProgressFunc func(ProgressEvent)

// CompressionLevel is the backend agnostic compression selector.
type CompressionLevel int

const (
	CompressionNone CompressionLevel = iota
	CompressionFastest
	CompressionNormal
	CompressionBest
)

func (l CompressionLevel) String() string {
	switch l {
	case CompressionNone:
		return "none"
	case CompressionFastest:
		return "fastest"
	case CompressionNormal:
		return "normal"
	case CompressionBest:
		return "best"
	}
	return "unknown"
}

// ParseCompressionLevel maps a level name back to its value.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	for _, l := range []CompressionLevel{CompressionNone, CompressionFastest, CompressionNormal, CompressionBest} {
		if l.String() == s {
			return l, nil
		}
	}
	return CompressionNone, errorf(ErrInvalidRequest, "unknown compression level %q", s)
}

// Result is the outcome of packing one file of a group.
type Result struct {
	RelativePathInArchive string
	Err                   error
}

// Backend packs files into and lists the entries of one kind of container.
//
// Pack receives the files of a single group, all sharing archivePath, in
// request order. File level failures are returned in the results, one per
// input file and in input order; the returned error is reserved for failures
// opening or finalizing the container.
type Backend interface {
	Pack(ctx context.Context, archivePath string, files []FileToArchive, level CompressionLevel) ([]Result, error)
	List(ctx context.Context, archivePath string) ([]ArchivedFile, error)
}

// Deleter is implemented by backends whose containers can drop entries.
type Deleter interface {
	Delete(ctx context.Context, archivePath string, keys []string) error
}

// Fetcher is implemented by backends that can read one entry back.
type Fetcher interface {
	Fetch(ctx context.Context, archivePath, entry string, w io.Writer) error
}
