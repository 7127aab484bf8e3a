// Package protocol implements the handler-to-collector forwarding contract:
// one SOCK_SEQPACKET datagram per metadata field, terminated by a single
// empty datagram that carries the open core file descriptor as SCM_RIGHTS
// ancillary data.
package protocol

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/fields"
)

// truncationMark is appended to the datagram whenever a field had to be
// shrunk to fit the transport.
var truncationMark = []byte("...")

var (
	// ErrMissingCoreFD means the peer closed or sent an empty datagram
	// without the core file descriptor.
	ErrMissingCoreFD = errors.New("protocol: coredump file descriptor missing")
	// ErrTrailingData means a datagram arrived after the terminator.
	ErrTrailingData = errors.New("protocol: datagram received after terminator")
)

// sendFunc submits one datagram.
type sendFunc func(msg []byte) error

// sendField transmits a single field, halving the payload on EMSGSIZE and
// marking the truncation with a trailing "..." until the datagram fits.
func sendField(send sendFunc, field []byte) error {
	payload := field
	truncated := false
	for {
		msg := payload
		if truncated {
			msg = make([]byte, 0, len(payload)+len(truncationMark))
			msg = append(append(msg, payload...), truncationMark...)
		}
		err := send(msg)
		if err == nil {
			return nil
		}
		if err == unix.EMSGSIZE && len(payload) > 0 {
			truncated = true
			payload = payload[:len(payload)/2]
			continue
		}
		return err
	}
}

// Forward connects to the collector socket and transmits the whole vector
// followed by the fd-bearing terminator. Any failure other than an
// oversized field is fatal to the forward.
func Forward(socketPath string, v *fields.Vector, coreFD int) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("protocol: failed to create socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		return fmt.Errorf("protocol: failed to connect to %s: %w", socketPath, err)
	}
	return forwardOn(fd, v, coreFD)
}

func forwardOn(fd int, v *fields.Vector, coreFD int) error {
	send := func(msg []byte) error {
		_, err := unix.SendmsgN(fd, msg, nil, nil, unix.MSG_NOSIGNAL)
		return err
	}
	for _, entry := range v.Entries() {
		if err := sendField(send, entry); err != nil {
			return fmt.Errorf("protocol: failed to send field datagram: %w", err)
		}
	}

	oob := unix.UnixRights(coreFD)
	if _, err := unix.SendmsgN(fd, nil, oob, nil, unix.MSG_NOSIGNAL); err != nil {
		return fmt.Errorf("protocol: failed to send coredump fd: %w", err)
	}
	return nil
}

// Receive reads metadata datagrams from a connected socket until the
// fd-bearing terminator and returns the assembled vector together with the
// core file. Exact datagram sizes are probed before allocation.
func Receive(fd int) (*fields.Vector, *os.File, error) {
	v := fields.NewVector()
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		size, err := peekSize(fd)
		if err != nil {
			return nil, nil, fmt.Errorf("protocol: failed to determine datagram size: %w", err)
		}

		buf := make([]byte, size)
		n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err != nil {
			return nil, nil, fmt.Errorf("protocol: failed to receive datagram: %w", err)
		}

		// The final zero-length datagram carries the file descriptor and
		// tells us that we are done.
		if n == 0 {
			coreFD, err := parseRights(oob[:oobn])
			if err != nil {
				return nil, nil, err
			}
			if err := rejectTrailing(fd); err != nil {
				unix.Close(coreFD)
				return nil, nil, err
			}
			return v, os.NewFile(uintptr(coreFD), "coredump"), nil
		}

		// A field datagram must not carry descriptors; close any so a
		// misbehaving peer cannot grow our descriptor table.
		if oobn > 0 {
			closeRights(oob[:oobn])
		}
		if err := v.AppendEntry(buf[:n]); err != nil {
			return nil, nil, err
		}
	}
}

// closeRights closes every fd found in the given ancillary data.
func closeRights(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			unix.Close(f)
		}
	}
}

// peekSize returns the exact size of the next queued datagram without
// consuming it.
func peekSize(fd int) (int, error) {
	n, _, err := unix.Recvfrom(fd, nil, unix.MSG_PEEK|unix.MSG_TRUNC)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("protocol: failed to parse control message: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			return -1, err
		}
		if len(fds) != 1 {
			for _, f := range fds {
				unix.Close(f)
			}
			return -1, fmt.Errorf("protocol: expected exactly one fd, got %d", len(fds))
		}
		return fds[0], nil
	}
	return -1, ErrMissingCoreFD
}

// rejectTrailing reports a protocol violation if the peer sent anything
// after the terminator.
func rejectTrailing(fd int) error {
	n, _, err := unix.Recvfrom(fd, nil, unix.MSG_PEEK|unix.MSG_TRUNC|unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil
	}
	if err != nil {
		return nil // peer gone is fine, metadata is complete
	}
	if n > 0 {
		return ErrTrailingData
	}
	return nil
}
