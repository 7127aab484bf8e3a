package journal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/noxiouz/coredumpd/fields"
)

// kmsg line length limit; the kernel silently truncates beyond it.
const kmsgLineMax = 1000

// KmsgSink writes the human readable part of the record straight to the
// kernel log buffer. It is the sink of last resort, used when journald
// itself is the crasher and the structured socket must not be touched.
type KmsgSink struct {
	w io.Writer
}

// NewKmsgSink opens /dev/kmsg for writing.
func NewKmsgSink() (*KmsgSink, error) {
	f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &KmsgSink{w: f}, nil
}

// Emit writes the MESSAGE field line by line, each write being one kmsg
// record at KERN_CRIT priority. Structured fields are dropped; the kernel
// log has no place for them.
func (s *KmsgSink) Emit(ctx context.Context, v *fields.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	message := ""
	for _, entry := range v.Entries() {
		if rest := bytes.TrimPrefix(entry, []byte("MESSAGE=")); len(rest) != len(entry) {
			message = string(rest)
			break
		}
	}
	if message == "" {
		return fmt.Errorf("journal: record carries no MESSAGE field")
	}

	for _, line := range bytes.Split([]byte(message), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(line) > kmsgLineMax {
			line = line[:kmsgLineMax]
		}
		if _, err := fmt.Fprintf(s.w, "<2>coredumpd[%d]: %s\n", os.Getpid(), line); err != nil {
			return err
		}
	}
	return nil
}
