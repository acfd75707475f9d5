package ftp

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// server is an in-memory FTP file tree.
type server struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
	// failStores makes every store fail regardless of directories.
	failStores bool
	// killOnStore makes a store fail and the connection stop answering.
	killOnStore bool
	// unreadable directories exist but refuse listings with a 550.
	unreadable map[string]bool
	stores     int
	mkdirs     []string
}

func newServer() *server {
	return &server{dirs: map[string]bool{"/": true}, files: map[string][]byte{}, unreadable: map[string]bool{}}
}

type fakeDialer struct {
	srv     *server
	allowed map[Mode]bool
	// hang blocks attempts until their context ends.
	hang     bool
	attempts []Mode
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, ep Endpoint, mode Mode) (Conn, error) {
	d.attempts = append(d.attempts, mode)
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !d.allowed[mode] {
		return nil, errors.Errorf("handshake refused in %s", mode)
	}
	c := &fakeConn{srv: d.srv, cwd: "/"}
	d.conns = append(d.conns, c)
	return c, nil
}

type fakeConn struct {
	srv    *server
	cwd    string
	dead   bool
	closed bool
}

func (c *fakeConn) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.cwd, p)
}

func (c *fakeConn) Noop() error {
	if c.dead {
		return errors.New("421 service not available")
	}
	return nil
}

func (c *fakeConn) Getwd() (string, error) { return c.cwd, nil }

func (c *fakeConn) ChangeDir(dir string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	target := c.resolve(dir)
	if !c.srv.dirs[target] {
		return errors.Wrap(os.ErrNotExist, "550 "+target)
	}
	c.cwd = target
	return nil
}

func (c *fakeConn) MakeDir(dir string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	target := c.resolve(dir)
	if !c.srv.dirs[path.Dir(target)] {
		return errors.New("550 parent missing")
	}
	c.srv.dirs[target] = true
	c.srv.mkdirs = append(c.srv.mkdirs, target)
	return nil
}

func (c *fakeConn) Store(name string, r io.Reader) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.stores++
	if c.srv.killOnStore {
		c.dead = true
		return errors.New("421 connection closed")
	}
	target := c.resolve(name)
	if c.srv.failStores || !c.srv.dirs[path.Dir(target)] {
		return errors.New("553 could not create file")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.srv.files[target] = b
	return nil
}

func (c *fakeConn) ReadDir(dir string) ([]os.FileInfo, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	target := c.resolve(dir)
	if !c.srv.dirs[target] || c.srv.unreadable[target] {
		return nil, errors.Wrap(os.ErrNotExist, "550 "+target)
	}
	var out []os.FileInfo
	for d := range c.srv.dirs {
		if d != "/" && path.Dir(d) == target {
			out = append(out, fakeInfo{name: path.Base(d), dir: true})
		}
	}
	for f, b := range c.srv.files {
		if path.Dir(f) == target {
			out = append(out, fakeInfo{name: path.Base(f), size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeInfo struct {
	name string
	size int64
	dir  bool
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return f.size }
func (f fakeInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0755
	}
	return 0644
}
func (f fakeInfo) ModTime() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() interface{}   { return nil }

func reader(s string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte(s))), nil }
}

func joinModes(ms []Mode) string {
	var parts []string
	for _, m := range ms {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, ",")
}
