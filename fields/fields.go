// Package fields implements the ordered crash-metadata container shared by
// the kernel handler and the collector. Every piece of metadata is a raw
// "NAME=value" buffer; the container keeps them append-only and
// NUL-terminated so that values can be scanned as C strings.
package fields

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// MaxEntries caps the vector at the scatter-gather I/O vector limit
// (IOV_MAX). The limit used to be implicit in the wire representation;
// here it is validated explicitly.
const MaxEntries = 1024

// Journal field names for the metadata passed by the kernel via argv and
// the fields gathered from the runtime environment.
const (
	PID       = "COREDUMP_PID="
	UID       = "COREDUMP_UID="
	GID       = "COREDUMP_GID="
	Signal    = "COREDUMP_SIGNAL="
	Timestamp = "COREDUMP_TIMESTAMP="
	RLimit    = "COREDUMP_RLIMIT="
	Hostname  = "COREDUMP_HOSTNAME="
	Comm      = "COREDUMP_COMM="
	Exe       = "COREDUMP_EXE="
	Unit      = "COREDUMP_UNIT="
)

// ArgvNames lists the seven fields supplied by the kernel, in argv order.
var ArgvNames = []string{PID, UID, GID, Signal, Timestamp, RLimit, Hostname}

// mandatoryNames is the set a crash record cannot be built without.
var mandatoryNames = append(append([]string(nil), ArgvNames...), Comm)

// knownNames is the closed set the Context indexes by prefix.
var knownNames = append(append([]string(nil), mandatoryNames...), Exe, Unit)

var (
	ErrTooManyFields = errors.New("fields: vector is full")
	ErrNoEquals      = errors.New("fields: entry has no '=' separator")
)

// Vector is an append-only ordered sequence of NAME=value buffers. Each
// buffer carries a trailing NUL byte that is not part of the logical entry.
type Vector struct {
	entries [][]byte
}

// NewVector returns an empty vector.
func NewVector() *Vector {
	return &Vector{}
}

// AppendEntry stores a raw NAME=value buffer. The input is copied and a
// trailing NUL is added.
func (v *Vector) AppendEntry(b []byte) error {
	if len(v.entries) >= MaxEntries {
		return ErrTooManyFields
	}
	if bytes.IndexByte(b, '=') < 0 {
		return ErrNoEquals
	}
	e := make([]byte, len(b)+1)
	copy(e, b)
	v.entries = append(v.entries, e)
	return nil
}

// Append stores name+value as a single entry. The name must carry its
// trailing '='.
func (v *Vector) Append(name, value string) error {
	return v.AppendEntry(append([]byte(name), value...))
}

// Len returns the number of entries.
func (v *Vector) Len() int {
	return len(v.entries)
}

// Entry returns the i-th NAME=value buffer without the trailing NUL.
func (v *Vector) Entry(i int) []byte {
	e := v.entries[i]
	return e[:len(e)-1]
}

// Entries returns views of all buffers, in insertion order, without NULs.
func (v *Vector) Entries() [][]byte {
	out := make([][]byte, len(v.entries))
	for i := range v.entries {
		out[i] = v.Entry(i)
	}
	return out
}

// Context is an immutable view over a Vector for the closed set of known
// fields, plus an overflow list of everything else. It is derived exactly
// once per crash.
type Context struct {
	known    map[string]string
	Overflow []string

	PID        int64
	IsInit     bool
	IsJournald bool
}

const (
	initScopeUnit = "init.scope"
	journaldUnit  = "systemd-journald.service"
)

// NewContext scans the vector and indexes the known fields. It fails only
// if the PID field is absent or unparsable; completeness of the rest is
// checked separately by Validate.
func NewContext(v *Vector) (*Context, error) {
	c := &Context{
		known: make(map[string]string, len(knownNames)),
	}

	for _, e := range v.Entries() {
		matched := false
		for _, name := range knownNames {
			if rest, ok := cutPrefix(e, name); ok {
				// First writer wins, like the original prefix scan.
				if _, dup := c.known[name]; !dup {
					c.known[name] = string(rest)
				}
				matched = true
				break
			}
		}
		if !matched {
			c.Overflow = append(c.Overflow, string(e))
		}
	}

	pid, ok := c.known[PID]
	if !ok {
		return nil, errors.New("fields: failed to find the PID of crashing process")
	}
	n, err := strconv.ParseInt(pid, 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("fields: failed to parse PID %q: %w", pid, err)
	}
	c.PID = n

	unit := c.known[Unit]
	c.IsInit = pid == "1" || unit == initScopeUnit
	c.IsJournald = unit == journaldUnit

	return c, nil
}

// Get returns the value of a known field, or "".
func (c *Context) Get(name string) string {
	return c.known[name]
}

// Has reports whether a known field was present.
func (c *Context) Has(name string) bool {
	_, ok := c.known[name]
	return ok
}

// Validate checks that every mandatory field arrived. A record missing any
// of them is abandoned as a whole.
func (c *Context) Validate() error {
	for _, name := range mandatoryNames {
		if !c.Has(name) {
			return fmt.Errorf("fields: mandatory field %s has not been sent", name)
		}
	}
	return nil
}

func cutPrefix(b []byte, prefix string) ([]byte, bool) {
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		return nil, false
	}
	return b[len(prefix):], true
}

