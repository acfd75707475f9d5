// Package archivemanager packs file lists into heterogeneous containers and
// lists them back. A request is split into groups by destination, each group
// is handed to the backend matching the destination kind, and the outcome of
// every file and every failed group is reported through a callback.
package archivemanager

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
	"github.com/openrelayxyz/archivemanager/backend/cab"
	"github.com/openrelayxyz/archivemanager/backend/fsdir"
	"github.com/openrelayxyz/archivemanager/backend/ftp"
	"github.com/openrelayxyz/archivemanager/backend/prolib"
	"github.com/openrelayxyz/archivemanager/backend/s3store"
	"github.com/openrelayxyz/archivemanager/backend/zipfile"
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	Logger logrus.FieldLogger
	// Registry receives the pack counters and timers. A private registry is
	// created when nil.
	Registry metrics.Registry
	// Dialer opens FTP control connections. Defaults to ftp.GoFTPDialer.
	Dialer ftp.Dialer
	// NegotiationTimeout bounds each FTP mode attempt.
	NegotiationTimeout time.Duration
	// S3Client builds the object store client. Defaults to the shared AWS
	// configuration.
	S3Client s3store.ClientFunc
	// S3Compressor overrides the signature derived from the compression
	// level, e.g. "zstd:9".
	S3Compressor string
}

// Manager is the orchestrator. It owns the FTP session pool, so Close must
// be called once the manager is no longer needed. A Manager is not meant to
// run concurrent packs against the same destination.
type Manager struct {
	log      logrus.FieldLogger
	registry metrics.Registry
	pool     *ftp.Pool

	dir    *fsdir.Backend
	prolib *prolib.Backend
	zip    *zipfile.Backend
	cab    *cab.Backend
	ftp    *ftp.Backend
	s3     *s3store.Backend

	filesPacked  metrics.Counter
	filesFailed  metrics.Counter
	groupsFailed metrics.Counter
	groupTimer   metrics.Timer
}

func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = ftp.GoFTPDialer{}
	}
	pool := ftp.NewPool(dialer, opts.NegotiationTimeout, log)
	return &Manager{
		log:      log.WithField("prefix", "manager"),
		registry: registry,
		pool:     pool,

		dir:    fsdir.New(log),
		prolib: prolib.New(log),
		zip:    zipfile.New(log),
		cab:    cab.New(log),
		ftp:    ftp.New(pool, log),
		s3:     s3store.New(opts.S3Client, opts.S3Compressor, log),

		filesPacked:  metrics.GetOrRegisterCounter("pack.files.packed", registry),
		filesFailed:  metrics.GetOrRegisterCounter("pack.files.failed", registry),
		groupsFailed: metrics.GetOrRegisterCounter("pack.groups.failed", registry),
		groupTimer:   metrics.GetOrRegisterTimer("pack.group.duration", registry),
	}
}

func (m *Manager) backend(kind archive.Kind) archive.Backend {
	switch kind {
	case archive.KindProlib:
		return m.prolib
	case archive.KindZip:
		return m.zip
	case archive.KindCab:
		return m.cab
	case archive.KindFTP:
		return m.ftp
	case archive.KindS3:
		return m.s3
	}
	return m.dir
}

type group struct {
	archivePath string
	files       []archive.FileToArchive
}

// groupKey identifies the container behind archivePath. Local spellings of
// one file ("out.lib", "./out.lib", "file://out.lib") share a key; remote
// addresses are compared as written.
func groupKey(archivePath string) string {
	switch archive.KindOf(archivePath) {
	case archive.KindFTP, archive.KindS3:
		return archivePath
	}
	return filepath.Clean(archive.LocalPath(archivePath))
}

// groupFiles buckets files by container keeping first seen group order and
// request order inside each group. A group is named by the first spelling
// of its destination.
func groupFiles(files []archive.FileToArchive) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, f := range files {
		key := groupKey(f.ArchivePath)
		g, ok := index[key]
		if !ok {
			g = &group{archivePath: f.ArchivePath}
			index[key] = g
			groups = append(groups, g)
		}
		g.files = append(g.files, f)
	}
	return groups
}

// Pack transfers files into their containers and reports every outcome to
// onProgress, which may be nil. It only fails when the request itself is
// malformed, in which case nothing is written, or when ctx is cancelled.
// Failures of single files or whole containers are reported, never returned.
func (m *Manager) Pack(ctx context.Context, files []archive.FileToArchive, level archive.CompressionLevel, onProgress archive.ProgressFunc) error {
	for i, f := range files {
		if err := f.Validate(); err != nil {
			return errors.Wrapf(err, "file %d", i)
		}
	}
	emit := func(ev archive.ProgressEvent) {
		if onProgress != nil {
			onProgress(ev)
		}
	}
	for _, g := range groupFiles(files) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.packGroup(ctx, g, level, emit)
	}
	return ctx.Err()
}

func (m *Manager) packGroup(ctx context.Context, g *group, level archive.CompressionLevel, emit archive.ProgressFunc) {
	kind := archive.KindOf(g.archivePath)
	log := m.log.WithFields(logrus.Fields{"archive": g.archivePath, "kind": kind})
	start := time.Now()
	results, err := m.backend(kind).Pack(ctx, g.archivePath, g.files, level)
	m.groupTimer.UpdateSince(start)

	for _, r := range results {
		if r.Err == nil {
			// Successes of a container that failed to finalize never landed.
			if err != nil {
				continue
			}
			m.filesPacked.Inc(1)
			emit(archive.ProgressEvent{ArchivePath: g.archivePath, RelativePathInArchive: r.RelativePathInArchive})
			continue
		}
		m.filesFailed.Inc(1)
		log.WithField("entry", r.RelativePathInArchive).WithError(r.Err).Warn("file not packed")
		emit(archive.ProgressEvent{ArchivePath: g.archivePath, RelativePathInArchive: r.RelativePathInArchive, Err: r.Err})
	}
	if err != nil {
		m.groupsFailed.Inc(1)
		log.WithError(err).Error("container failed")
		emit(archive.ProgressEvent{ArchivePath: g.archivePath, Err: err})
		return
	}
	log.Infof("packed %d files in %v", len(g.files), time.Since(start).Round(time.Millisecond))
}

// Deploy is Pack for build-once descriptors.
func (m *Manager) Deploy(ctx context.Context, files []archive.FileToDeployInPackage, level archive.CompressionLevel, onProgress archive.ProgressFunc) error {
	converted := make([]archive.FileToArchive, len(files))
	for i, f := range files {
		converted[i] = f.ToArchive()
	}
	return m.Pack(ctx, converted, level, onProgress)
}

// List returns the entries of the container at archivePath. An absent
// container lists as empty; a corrupt one is an error.
func (m *Manager) List(ctx context.Context, archivePath string) ([]archive.ArchivedFile, error) {
	if archivePath == "" {
		return nil, errors.Wrap(archive.ErrInvalidRequest, "empty archive path")
	}
	entries, err := m.backend(archive.KindOf(archivePath)).List(ctx, archivePath)
	if archive.IsNotFound(err) {
		return []archive.ArchivedFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes keys from the container at archivePath. Deleting from an
// absent container succeeds. Build-once and remote directory containers
// return ErrUnsupported.
func (m *Manager) Delete(ctx context.Context, archivePath string, keys []string) error {
	if archivePath == "" {
		return errors.Wrap(archive.ErrInvalidRequest, "empty archive path")
	}
	kind := archive.KindOf(archivePath)
	d, ok := m.backend(kind).(archive.Deleter)
	if !ok {
		return errors.Wrapf(archive.ErrUnsupported, "delete from %s container", kind)
	}
	err := d.Delete(ctx, archivePath, keys)
	if archive.IsNotFound(err) {
		return nil
	}
	return err
}

// Fetch copies one entry of the container at archivePath to w.
func (m *Manager) Fetch(ctx context.Context, archivePath, entry string, w io.Writer) error {
	kind := archive.KindOf(archivePath)
	f, ok := m.backend(kind).(archive.Fetcher)
	if !ok {
		return errors.Wrapf(archive.ErrUnsupported, "fetch from %s container", kind)
	}
	return f.Fetch(ctx, archivePath, entry, w)
}

// Metrics returns the registry holding the pack counters.
func (m *Manager) Metrics() metrics.Registry {
	return m.registry
}

// Close closes every cached FTP connection.
func (m *Manager) Close() error {
	return m.pool.Close()
}
