package ftp

import (
	"context"
	"crypto/tls"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/secsy/goftp"
)

// GoFTPDialer dials with github.com/secsy/goftp.
type GoFTPDialer struct {
	// TLSConfig is cloned for TLS modes; ServerName defaults to the host.
	TLSConfig *tls.Config
	// Logger receives the protocol trace when set.
	Logger io.Writer
}

func (d GoFTPDialer) config(ctx context.Context, ep Endpoint, mode Mode) goftp.Config {
	cfg := goftp.Config{
		User:               ep.User,
		Password:           ep.Password,
		ConnectionsPerHost: 1,
		Timeout:            DefaultTimeout,
		ActiveTransfers:    mode.Data == Active,
		Logger:             d.Logger,
	}
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}
	if mode.Security != Plain {
		tc := &tls.Config{}
		if d.TLSConfig != nil {
			tc = d.TLSConfig.Clone()
		}
		if tc.ServerName == "" {
			tc.ServerName = ep.Host
		}
		cfg.TLSConfig = tc
		cfg.TLSMode = goftp.TLSExplicit
		if mode.Security == ImplicitTLS {
			cfg.TLSMode = goftp.TLSImplicit
		}
	}
	return cfg
}

// Dial logs in and lists the login directory, so both the control and a
// data connection have worked in this mode before it is accepted.
func (d GoFTPDialer) Dial(ctx context.Context, ep Endpoint, mode Mode) (Conn, error) {
	client, err := goftp.DialConfig(d.config(ctx, ep, mode), ep.Addr())
	if err != nil {
		return nil, err
	}
	type result struct {
		home string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		home, err := client.Getwd()
		if err == nil {
			_, err = client.ReadDir(home)
		}
		done <- result{home, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			client.Close()
			return nil, r.err
		}
		return &goftpConn{client: client, cwd: r.home}, nil
	case <-ctx.Done():
		go func() {
			<-done
			client.Close()
		}()
		return nil, ctx.Err()
	}
}

// goftpConn keeps the working directory on the client side: goftp pools
// its control connections and addresses everything by absolute path.
type goftpConn struct {
	client *goftp.Client
	cwd    string
}

func (c *goftpConn) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.cwd, p)
}

func (c *goftpConn) Noop() error {
	_, err := c.client.Getwd()
	return err
}

func (c *goftpConn) Getwd() (string, error) { return c.cwd, nil }

func (c *goftpConn) ChangeDir(dir string) error {
	target := c.resolve(dir)
	if _, err := c.client.ReadDir(target); err != nil {
		return notExist(err)
	}
	c.cwd = target
	return nil
}

func (c *goftpConn) MakeDir(dir string) error {
	_, err := c.client.Mkdir(c.resolve(dir))
	return err
}

func (c *goftpConn) Store(name string, r io.Reader) error {
	return c.client.Store(c.resolve(name), r)
}

func (c *goftpConn) ReadDir(dir string) ([]os.FileInfo, error) {
	infos, err := c.client.ReadDir(c.resolve(dir))
	return infos, notExist(err)
}

func (c *goftpConn) Close() error { return c.client.Close() }

// notExist maps the "file unavailable" reply onto os.ErrNotExist.
func notExist(err error) error {
	var ftpErr goftp.Error
	if errors.As(err, &ftpErr) && ftpErr.Code() == 550 {
		return errors.Wrap(os.ErrNotExist, ftpErr.Message())
	}
	return err
}
