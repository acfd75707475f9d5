package ftp

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/openrelayxyz/archivemanager/archive"
)

const (
	defaultPort       = 21
	defaultSecurePort = 990
)

// Endpoint is a parsed scheme://[user[:pass]@]host[:port]/relative-path
// address.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	User     string
	Password string
	// Path is relative to the login directory, without leading slash.
	Path string
}

// ParseAddress parses an ftp:// or ftps:// archive path.
func ParseAddress(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, errors.Wrapf(archive.ErrInvalidRequest, "parse ftp address: %v", err)
	}
	ep := Endpoint{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch ep.Scheme {
	case "ftp":
		ep.Port = defaultPort
	case "ftps":
		ep.Port = defaultSecurePort
	default:
		return Endpoint{}, errors.Wrapf(archive.ErrInvalidRequest, "unsupported scheme %q", u.Scheme)
	}
	if ep.Host == "" {
		return Endpoint{}, errors.Wrap(archive.ErrInvalidRequest, "ftp address without host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, errors.Wrapf(archive.ErrInvalidRequest, "invalid port %q", p)
		}
		ep.Port = port
	}
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	ep.Path = strings.Trim(u.Path, "/")
	return ep, nil
}

// Credentials reports whether a user or password was supplied.
func (e Endpoint) Credentials() bool {
	return e.User != "" || e.Password != ""
}

// Addr is the host:port dial address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// key identifies a logical connection; the remote path is not part of it.
func (e Endpoint) key() string {
	return e.Scheme + "://" + e.User + "@" + e.Addr()
}

// String renders the endpoint without its password.
func (e Endpoint) String() string {
	u := url.URL{Scheme: e.Scheme, Host: e.Addr(), Path: "/" + e.Path}
	if e.User != "" {
		u.User = url.User(e.User)
	}
	return u.String()
}
