package protocol

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Listener accepts crash connections on the well-known ingestion socket.
type Listener struct {
	fd   int
	path string
}

// Listen binds the SOCK_SEQPACKET ingestion socket, replacing a stale one
// left behind by a previous instance.
func Listen(path string) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to create listening socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("protocol: failed to bind %s: %w", path, err)
	}
	// The handler runs with the crashing process still frozen; allow a
	// short accept backlog for near-simultaneous crashes.
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("protocol: failed to listen on %s: %w", path, err)
	}
	return &Listener{fd: fd, path: path}, nil
}

// Accept blocks for the next crash connection and returns its raw fd.
func (l *Listener) Accept() (int, error) {
	for {
		conn, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return conn, nil
	}
}

func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return err
}
