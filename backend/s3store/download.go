package s3store

import (
	"context"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	s3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/compression"
)

// List reads the manifest. A prefix without one does not exist.
func (b *Backend) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	t, err := parseTarget(archivePath)
	if err != nil {
		return nil, err
	}
	svc, err := b.svc()
	if err != nil {
		return nil, err
	}
	mf, err := b.readManifest(ctx, svc, t)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(mf.Files))
	for name := range mf.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]archive.ArchivedFile, 0, len(names))
	for _, name := range names {
		rec := mf.Files[name]
		out = append(out, archive.ArchivedFile{
			ArchivePath:           archivePath,
			RelativePathInArchive: name,
			SizeInBytes:           rec.Size,
			LastWriteTime:         rec.Modified.Local(),
		})
	}
	return out, nil
}

// Fetch writes the decompressed contents of one entry to w.
func (b *Backend) Fetch(ctx context.Context, archivePath, entry string, w io.Writer) error {
	t, err := parseTarget(archivePath)
	if err != nil {
		return err
	}
	svc, err := b.svc()
	if err != nil {
		return err
	}
	mf, err := b.readManifest(ctx, svc, t)
	if err != nil {
		return err
	}
	rec, ok := mf.Files[archive.NormalizeKey(entry)]
	if !ok {
		return errors.Wrapf(archive.ErrNotFound, "%s has no entry %q", archivePath, entry)
	}
	obj, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(rec.Key),
	})
	if err != nil {
		return &archive.ProtocolError{Command: "GetObject", Path: rec.Key, Err: err}
	}
	defer obj.Body.Close()
	dec, err := compression.NewReader(rec.Compression, obj.Body)
	if err != nil {
		return &archive.FormatError{Path: rec.Key, Reason: err.Error()}
	}
	defer dec.Close()
	n, err := io.Copy(w, dec)
	if err != nil {
		return errors.Wrapf(err, "decompress %s", rec.Key)
	}
	if uint64(n) != rec.Size {
		return &archive.FormatError{Path: rec.Key, Reason: "size does not match manifest"}
	}
	return nil
}
