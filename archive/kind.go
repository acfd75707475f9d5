package archive

import (
	"path"
	"strings"
)

// Kind identifies the container technology behind an archive path.
type Kind int

const (
	KindDir Kind = iota
	KindProlib
	KindZip
	KindCab
	KindFTP
	KindS3
)

var kindNames = map[Kind]string{
	KindDir:    "dir",
	KindProlib: "prolib",
	KindZip:    "zip",
	KindCab:    "cab",
	KindFTP:    "ftp",
	KindS3:     "s3",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

var extensionKinds = map[string]Kind{
	".pl":  KindProlib,
	".lib": KindProlib,
	".zip": KindZip,
	".cab": KindCab,
}

// KindOf inspects the scheme and extension of archivePath.
func KindOf(archivePath string) Kind {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasPrefix(lower, "ftp://"), strings.HasPrefix(lower, "ftps://"):
		return KindFTP
	case strings.HasPrefix(lower, "s3://"):
		return KindS3
	}
	if k, ok := extensionKinds[path.Ext(strings.ReplaceAll(LocalPath(lower), `\`, "/"))]; ok {
		return k
	}
	return KindDir
}

// LocalPath strips an optional file:// scheme.
func LocalPath(archivePath string) string {
	if len(archivePath) >= 7 && strings.EqualFold(archivePath[:7], "file://") {
		return archivePath[7:]
	}
	return archivePath
}

// NormalizeKey converts an entry key to forward slash separators without a
// leading slash or dot segment.
func NormalizeKey(key string) string {
	key = strings.ReplaceAll(key, `\`, "/")
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

// Validate checks that every field of the descriptor is filled in.
func (f FileToArchive) Validate() error {
	switch {
	case f.SourcePath == "":
		return errorf(ErrInvalidRequest, "empty source path for entry %q", f.RelativePathInArchive)
	case f.ArchivePath == "":
		return errorf(ErrInvalidRequest, "empty archive path for %q", f.SourcePath)
	case NormalizeKey(f.RelativePathInArchive) == "":
		return errorf(ErrInvalidRequest, "empty entry path for %q", f.SourcePath)
	}
	return nil
}
