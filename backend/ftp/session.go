// Package ftp uploads files to and lists files on FTP servers. A Session
// negotiates a working combination of security and data connection modes
// and keeps the connection for reuse.
package ftp

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrelayxyz/archivemanager/archive"
)

// Security is the control connection protection, strongest first.
type Security int

const (
	ImplicitTLS Security = iota
	ExplicitTLS
	Plain
)

func (s Security) String() string {
	return [...]string{"implicit-tls", "explicit-tls", "plain"}[s]
}

// DataMode selects who opens data connections.
type DataMode int

const (
	Passive DataMode = iota
	Active
)

func (d DataMode) String() string {
	return [...]string{"passive", "active"}[d]
}

// Mode is one negotiation candidate.
type Mode struct {
	Security Security
	Data     DataMode
}

func (m Mode) String() string { return m.Security.String() + "/" + m.Data.String() }

// Modes lists the candidates in preference order.
func Modes(securities ...Security) []Mode {
	if len(securities) == 0 {
		securities = []Security{ImplicitTLS, ExplicitTLS, Plain}
	}
	var out []Mode
	for _, s := range securities {
		for _, d := range []DataMode{Passive, Active} {
			out = append(out, Mode{Security: s, Data: d})
		}
	}
	return out
}

// State of a logical connection.
type State int

const (
	Disconnected State = iota
	Negotiating
	Connected
)

func (s State) String() string {
	return [...]string{"disconnected", "negotiating", "connected"}[s]
}

// Conn is an established, logged in connection. Relative paths resolve
// against the working directory.
type Conn interface {
	Noop() error
	Getwd() (string, error)
	ChangeDir(dir string) error
	MakeDir(dir string) error
	Store(name string, r io.Reader) error
	ReadDir(dir string) ([]os.FileInfo, error)
	Close() error
}

// Dialer performs a complete handshake in one mode. It must give up when
// ctx is done.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, mode Mode) (Conn, error)
}

// Session is the state machine of one logical connection.
type Session struct {
	mu      sync.Mutex
	ep      Endpoint
	dialer  Dialer
	timeout time.Duration
	log     logrus.FieldLogger

	state State
	mode  Mode
	conn  Conn
}

func newSession(ep Endpoint, dialer Dialer, timeout time.Duration, log logrus.FieldLogger) *Session {
	return &Session{
		ep:      ep,
		dialer:  dialer,
		timeout: timeout,
		log:     log.WithField("host", ep.Addr()),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode is the combination that completed the last handshake.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Connect returns the live connection, checking a cached one with a cheap
// round trip and negotiating anew when that fails.
func (s *Session) Connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connected {
		err := s.conn.Noop()
		if err == nil {
			return s.conn, nil
		}
		s.log.WithError(err).Info("cached connection is dead, renegotiating")
		s.dropLocked()
	}
	return s.negotiateLocked(ctx)
}

func (s *Session) candidates() []Mode {
	if s.ep.Scheme == "ftps" {
		return Modes(ImplicitTLS, ExplicitTLS)
	}
	return Modes()
}

func (s *Session) negotiateLocked(ctx context.Context) (Conn, error) {
	s.state = Negotiating
	var attempts []error
	for _, m := range s.candidates() {
		if err := ctx.Err(); err != nil {
			s.state = Disconnected
			return nil, err
		}
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		conn, err := s.dialer.Dial(actx, s.ep, m)
		cancel()
		if err == nil {
			s.conn, s.mode, s.state = conn, m, Connected
			s.log.WithField("mode", m).Debug("connected")
			return conn, nil
		}
		s.log.WithField("mode", m).WithError(err).Debug("negotiation attempt failed")
		attempts = append(attempts, errors.Wrap(err, m.String()))
	}
	s.state = Disconnected
	return nil, &archive.ConnectionError{
		Host:        s.ep.Host,
		Port:        s.ep.Port,
		Credentials: s.ep.Credentials(),
		Attempts:    attempts,
	}
}

func (s *Session) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.state = Disconnected
}

// Close ends the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.conn = nil
	s.state = Disconnected
	return err
}

// Upload stores one file at name, relative to the login directory. When the
// first transfer fails the parent directory is assumed missing: it is
// created one segment at a time, the working directory is reset and the
// transfer is retried exactly once.
func (s *Session) Upload(conn Conn, name string, open func() (io.ReadCloser, error)) error {
	err := store(conn, name, open)
	if err == nil || errors.Is(err, archive.ErrIO) {
		return err
	}
	s.log.WithField("entry", name).WithError(err).Debug("store failed, creating directories")

	start, err := conn.Getwd()
	if err != nil {
		return s.fatal(conn, &archive.ProtocolError{Command: "PWD", Path: name, Err: err})
	}
	mkErr := mkdirAll(conn, path.Dir(name))
	if err := conn.ChangeDir(start); err != nil {
		return s.fatal(conn, &archive.ProtocolError{Command: "CWD", Path: start, Err: err})
	}
	if err := store(conn, name, open); err != nil {
		if errors.Is(err, archive.ErrIO) {
			return err
		}
		if mkErr != nil {
			err = errors.Wrapf(err, "after creating directories failed (%v)", mkErr)
		}
		return s.fatal(conn, &archive.ProtocolError{Command: "STOR", Path: name, Err: err})
	}
	return nil
}

// fatal returns err, first dropping conn when it no longer answers so the
// session goes back to Disconnected.
func (s *Session) fatal(conn Conn, err error) error {
	if conn.Noop() == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.log.WithError(err).Info("connection lost during upload")
		s.dropLocked()
	}
	return err
}

func store(conn Conn, name string, open func() (io.ReadCloser, error)) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return conn.Store(name, rc)
}

// mkdirAll walks into dir from the working directory, creating each missing
// segment. It leaves the working directory wherever it stopped.
func mkdirAll(conn Conn, dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" {
			continue
		}
		if conn.ChangeDir(seg) == nil {
			continue
		}
		if err := conn.MakeDir(seg); err != nil {
			return errors.Wrapf(err, "MKD %s", seg)
		}
		if err := conn.ChangeDir(seg); err != nil {
			return errors.Wrapf(err, "CWD %s", seg)
		}
	}
	return nil
}
