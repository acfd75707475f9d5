package s3store

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	s3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/compression"
)

// Pack uploads each file as its own object and records it in the manifest.
// The manifest is written last, after every object of the call.
func (b *Backend) Pack(ctx context.Context, archivePath string, files []archive.FileToArchive, level archive.CompressionLevel) ([]archive.Result, error) {
	t, err := parseTarget(archivePath)
	if err != nil {
		return nil, err
	}
	svc, err := b.svc()
	if err != nil {
		return nil, err
	}
	mf, err := b.readManifest(ctx, svc, t)
	if err != nil && !archive.IsNotFound(err) {
		return nil, err
	}
	sig := t.compressor
	if sig == "" {
		sig = b.compressor
	}
	if sig == "" {
		sig = compression.ForLevel(level)
	}

	results := make([]archive.Result, len(files))
	uploaded := 0
	var compressionBuffer bytes.Buffer
	for i, f := range files {
		results[i].RelativePathInArchive = f.RelativePathInArchive
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		name := archive.NormalizeKey(f.RelativePathInArchive)
		rec, err := b.upload(ctx, svc, t, name, f.SourcePath, sig, &compressionBuffer)
		if err != nil {
			results[i].Err = err
			continue
		}
		mf.Files[name] = rec
		uploaded++
	}
	if uploaded == 0 {
		return results, nil
	}
	if err := b.writeManifest(ctx, svc, t, mf); err != nil {
		return results, err
	}
	b.log.WithField("archive", archivePath).Debugf("uploaded %d objects with %s", uploaded, sig)
	return results, nil
}

func (b *Backend) upload(ctx context.Context, svc s3iface.S3API, t target, name, source, sig string, buf *bytes.Buffer) (fileRecord, error) {
	fd, err := os.Open(source)
	if err != nil {
		return fileRecord{}, &archive.IOError{Op: "open", Path: source, Err: err}
	}
	defer fd.Close()
	st, err := fd.Stat()
	if err != nil {
		return fileRecord{}, &archive.IOError{Op: "stat", Path: source, Err: err}
	}
	if !st.Mode().IsRegular() {
		return fileRecord{}, &archive.IOError{Op: "read", Path: source, Err: errors.New("not a regular file")}
	}

	buf.Reset()
	enc, err := compression.NewWriter(sig, buf)
	if err != nil {
		return fileRecord{}, errors.Wrap(archive.ErrInvalidRequest, err.Error())
	}
	n, err := io.Copy(enc, fd)
	if err != nil {
		return fileRecord{}, &archive.IOError{Op: "read", Path: source, Err: err}
	}
	if err := enc.Close(); err != nil {
		return fileRecord{}, errors.Wrapf(err, "compress %s", source)
	}

	key := t.key(name)
	_, err = svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]*string{"Compressor": aws.String(sig)},
	})
	if err != nil {
		return fileRecord{}, &archive.ProtocolError{Command: "PutObject", Path: key, Err: err}
	}
	return fileRecord{
		Key:         key,
		Size:        uint64(n),
		Stored:      uint64(buf.Len()),
		Compression: sig,
		Modified:    st.ModTime().Truncate(time.Second),
	}, nil
}
