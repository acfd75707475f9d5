package ftp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one negotiation attempt.
const DefaultTimeout = 15 * time.Second

// Pool owns one Session per server and user. Sessions open lazily and stay
// open until Close.
type Pool struct {
	mu       sync.Mutex
	dialer   Dialer
	timeout  time.Duration
	log      logrus.FieldLogger
	sessions map[string]*Session
}

// NewPool returns an empty pool. A zero timeout selects DefaultTimeout.
func NewPool(dialer Dialer, timeout time.Duration, log logrus.FieldLogger) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		dialer:   dialer,
		timeout:  timeout,
		log:      log.WithField("prefix", "ftp"),
		sessions: make(map[string]*Session),
	}
}

// Session returns the cached session for ep, creating it if needed.
func (p *Pool) Session(ep Endpoint) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[ep.key()]
	if !ok {
		s = newSession(ep, p.dialer, p.timeout, p.log)
		p.sessions[ep.key()] = s
	}
	return s
}

// Close closes every session and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for k, s := range p.sessions {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.sessions, k)
	}
	return first
}
