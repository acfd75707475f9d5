// Package s3store keeps a container as objects under an S3 prefix. Each
// entry is one object, compressed on its own, and a manifest object at the
// prefix root indexes them.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	s3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/internal/compression"
)

// ClientFunc builds the S3 client on first use.
type ClientFunc func() (s3iface.S3API, error)

// DefaultClient uses the shared AWS configuration and credential chain.
func DefaultClient() (s3iface.S3API, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}
	return s3.New(sess), nil
}

type Backend struct {
	newClient  ClientFunc
	compressor string
	log        logrus.FieldLogger

	once   sync.Once
	client s3iface.S3API
	err    error
}

// New returns an S3 backend. compressor, when set, overrides the signature
// derived from the compression level for every pack.
func New(newClient ClientFunc, compressor string, log logrus.FieldLogger) *Backend {
	if newClient == nil {
		newClient = DefaultClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Backend{newClient: newClient, compressor: compressor, log: log.WithField("prefix", "s3")}
}

func (b *Backend) svc() (s3iface.S3API, error) {
	b.once.Do(func() {
		b.client, b.err = b.newClient()
	})
	return b.client, b.err
}

func parseTarget(archivePath string) (target, error) {
	u, err := url.Parse(archivePath)
	if err != nil || !strings.EqualFold(u.Scheme, "s3") || u.Host == "" {
		return target{}, errors.Wrapf(archive.ErrInvalidRequest, "invalid s3 address %q", archivePath)
	}
	t := target{bucket: u.Host, prefix: strings.Trim(u.Path, "/"), compressor: u.Query().Get("compressor")}
	if t.compressor != "" {
		if _, err := compression.Parse(t.compressor); err != nil {
			return target{}, errors.Wrap(archive.ErrInvalidRequest, err.Error())
		}
	}
	return t, nil
}

func (t target) key(name string) string {
	return path.Join(t.prefix, name)
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound")
}

func (b *Backend) readManifest(ctx context.Context, svc s3iface.S3API, t target) (*manifest, error) {
	obj, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(manifestName)),
	})
	if isNoSuchKey(err) {
		return &manifest{Files: map[string]fileRecord{}}, archive.ErrNotFound
	}
	if err != nil {
		return nil, &archive.ProtocolError{Command: "GetObject", Path: "s3://" + t.bucket + "/" + t.key(manifestName), Err: err}
	}
	defer obj.Body.Close()
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, &archive.ProtocolError{Command: "GetObject", Path: t.key(manifestName), Err: err}
	}
	var mf manifest
	if err := json.Unmarshal(body, &mf); err != nil {
		return nil, &archive.FormatError{Path: "s3://" + t.bucket + "/" + t.key(manifestName), Reason: err.Error()}
	}
	if mf.Files == nil {
		mf.Files = map[string]fileRecord{}
	}
	return &mf, nil
}

func (b *Backend) writeManifest(ctx context.Context, svc s3iface.S3API, t target, mf *manifest) error {
	body, err := json.Marshal(mf)
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	_, err = svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.key(manifestName)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return &archive.ProtocolError{Command: "PutObject", Path: t.key(manifestName), Err: err}
	}
	return nil
}

// Delete removes entries and then rewrites the manifest without them.
func (b *Backend) Delete(ctx context.Context, archivePath string, keys []string) error {
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
	removed := 0
	for _, k := range keys {
		k = archive.NormalizeKey(k)
		rec, ok := mf.Files[k]
		if !ok {
			continue
		}
		_, err := svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(rec.Key),
		})
		if err != nil && !isNoSuchKey(err) {
			return &archive.ProtocolError{Command: "DeleteObject", Path: rec.Key, Err: err}
		}
		delete(mf.Files, k)
		removed++
	}
	if removed == 0 {
		return nil
	}
	b.log.WithField("archive", archivePath).Infof("removed %d entries", removed)
	return b.writeManifest(ctx, svc, t, mf)
}
