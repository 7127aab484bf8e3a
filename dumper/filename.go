package dumper

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/noxiouz/coredumpd/fields"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// MakeFilename builds the deterministic artifact name
// core.<comm>.<uid>.<boot-id>.<pid>.<timestamp>. Uniqueness rests on the
// tuple itself; rapid repeated crashes of a reused pid within one
// timestamp tick can collide, which matches the long-standing behavior.
func MakeFilename(fs afero.Fs, root string, c *fields.Context) (string, error) {
	boot, err := BootID(fs)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("core.%s.%s.%s.%s.%s",
		Escape(c.Get(fields.Comm)),
		Escape(c.Get(fields.UID)),
		boot,
		Escape(c.Get(fields.PID)),
		Escape(c.Get(fields.Timestamp)))
	return path.Join(root, name), nil
}

// BootID returns the current boot identifier as 32 hex characters.
func BootID(fs afero.Fs) (string, error) {
	b, err := afero.ReadFile(fs, bootIDPath)
	if err != nil {
		return "", fmt.Errorf("dumper: failed to read boot id: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("dumper: failed to parse boot id: %w", err)
	}
	return hex.EncodeToString(id[:]), nil
}

// Escape neutralizes path separators, whitespace, dots and non-printable
// bytes so that untrusted metadata cannot influence the artifact path.
func Escape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '/' || ch == '.' || ch == ' ' || ch == '\\' || ch < 0x20 || ch > 0x7e {
			fmt.Fprintf(&sb, "\\x%02x", ch)
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}
