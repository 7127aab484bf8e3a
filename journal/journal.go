// Package journal publishes the final crash record. The primary sink talks
// the native journald datagram protocol; a kmsg sink covers the case where
// the crasher is the journal service itself.
package journal

import (
	"bytes"
	"fmt"

	"github.com/noxiouz/coredumpd/fields"
)

// MessageID tags every crash record so consumers can match it by catalog
// entry rather than by message text.
const MessageID = "fc2e22bc6ee647b6b90729ab34a250b1"

// Params carries the per-crash results folded into the record on top of
// the collected metadata.
type Params struct {
	// Filename of the stored artifact, empty when nothing is on disk.
	Filename string
	// Truncated marks an artifact cut short by the size cap.
	Truncated bool
	// Inline is the raw core embedded into the record, nil unless the
	// journal storage mode applies and the core fits the cap.
	Inline []byte
	// Diverted marks a core that was meant for the record itself but had
	// to stay on disk.
	Diverted bool
	// Backtrace is the rendered per-thread stack text.
	Backtrace string
	// PackageMetadata is the merged module provenance JSON.
	PackageMetadata []byte
}

// Amend appends the derived record fields to the vector: the human
// one-liner plus whatever artifacts this crash produced. The vector is
// publishable afterwards no matter how little p carries.
func Amend(c *fields.Context, v *fields.Vector, p Params) error {
	if err := v.Append("MESSAGE=", Message(c, p)); err != nil {
		return err
	}
	if p.Filename != "" {
		if err := v.Append("COREDUMP_FILENAME=", p.Filename); err != nil {
			return err
		}
	}
	if p.Truncated {
		if err := v.Append("COREDUMP_TRUNCATED=", "1"); err != nil {
			return err
		}
	}
	if len(p.PackageMetadata) > 0 {
		if err := v.Append("COREDUMP_PACKAGE_METADATA=", string(p.PackageMetadata)); err != nil {
			return err
		}
	}
	if len(p.Inline) > 0 {
		entry := make([]byte, 0, len("COREDUMP=")+len(p.Inline))
		entry = append(entry, "COREDUMP="...)
		entry = append(entry, p.Inline...)
		if err := v.AppendEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// Message builds the human readable summary, with the backtrace attached
// when one exists. The summary always comes out, whatever the rest of the
// pipeline managed to produce.
func Message(c *fields.Context, p Params) string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "Process %s (%s) of user %s dumped core",
		c.Get(fields.PID), c.Get(fields.Comm), c.Get(fields.UID))
	switch {
	case p.Diverted && p.Filename != "":
		fmt.Fprintf(&sb, ", diverted to %s.", p.Filename)
	case p.Filename == "" && len(p.Inline) == 0:
		sb.WriteString("; the core was not stored.")
	default:
		sb.WriteByte('.')
	}
	if p.Backtrace != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.Backtrace)
	}
	return sb.String()
}
