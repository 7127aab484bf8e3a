package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/fields"
)

// DefaultSocketPath is where journald accepts native protocol datagrams.
const DefaultSocketPath = "/run/systemd/journal/socket"

// Sink accepts one complete crash record.
type Sink interface {
	Emit(ctx context.Context, v *fields.Vector) error
}

// SocketSink speaks the journald native protocol: one datagram per record,
// each field either NAME=value\n or, for values containing newlines, the
// length-prefixed binary framing. Records too large for a datagram are
// handed over as a sealed memfd.
type SocketSink struct {
	path string
}

func NewSocketSink(path string) *SocketSink {
	if path == "" {
		path = DefaultSocketPath
	}
	return &SocketSink{path: path}
}

func (s *SocketSink) Emit(ctx context.Context, v *fields.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := Serialize(v)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrUnix{Name: s.path}
	err = unix.Sendto(fd, payload, unix.MSG_NOSIGNAL, addr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EMSGSIZE) && !errors.Is(err, unix.ENOBUFS) {
		return fmt.Errorf("journal: failed to send record: %w", err)
	}
	return s.emitMemfd(fd, addr, payload)
}

// emitMemfd passes an oversized record as a sealed memory file descriptor,
// the journald-sanctioned escape hatch for embedded cores.
func (s *SocketSink) emitMemfd(sock int, addr unix.Sockaddr, payload []byte) error {
	mfd, err := unix.MemfdCreate("coredump-record", unix.MFD_ALLOW_SEALING|unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("journal: failed to create memfd: %w", err)
	}
	defer unix.Close(mfd)

	for off := 0; off < len(payload); {
		n, err := unix.Pwrite(mfd, payload[off:], int64(off))
		if err != nil {
			return fmt.Errorf("journal: failed to fill memfd: %w", err)
		}
		off += n
	}
	if _, err := unix.FcntlInt(uintptr(mfd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		return fmt.Errorf("journal: failed to seal memfd: %w", err)
	}

	rights := unix.UnixRights(mfd)
	if err := unix.Sendmsg(sock, nil, rights, addr, unix.MSG_NOSIGNAL); err != nil {
		return fmt.Errorf("journal: failed to pass memfd: %w", err)
	}
	return nil
}

// Serialize renders a vector in the native journald wire format.
func Serialize(v *fields.Vector) []byte {
	var buf bytes.Buffer
	for _, entry := range v.Entries() {
		eq := bytes.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		name, value := entry[:eq], entry[eq+1:]
		if bytes.IndexByte(value, '\n') < 0 {
			buf.Write(entry)
			buf.WriteByte('\n')
			continue
		}
		buf.Write(name)
		buf.WriteByte('\n')
		binary.Write(&buf, binary.LittleEndian, uint64(len(value)))
		buf.Write(value)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
