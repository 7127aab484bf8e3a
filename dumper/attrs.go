package dumper

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/fields"
)

// Below this uid accounts are considered system-owned and get no ACL.
const firstRegularUID = 1000

// xattrNames maps metadata fields to the extended attributes mirrored onto
// the artifact, giving the owning user detached provenance.
var xattrNames = map[string]string{
	fields.PID:       "user.coredump.pid",
	fields.UID:       "user.coredump.uid",
	fields.GID:       "user.coredump.gid",
	fields.Signal:    "user.coredump.signal",
	fields.Timestamp: "user.coredump.timestamp",
	fields.RLimit:    "user.coredump.rlimit",
	fields.Hostname:  "user.coredump.hostname",
	fields.Comm:      "user.coredump.comm",
	fields.Exe:       "user.coredump.exe",
}

// applyAttributes narrows the file mode, grants the owning non-system user
// read access via a POSIX ACL and mirrors the metadata into extended
// attributes. All of it is best-effort; the artifact is usable without.
func applyAttributes(fs afero.Fs, file afero.File, c *fields.Context) {
	fs.Chmod(file.Name(), 0640)

	fder, ok := file.(interface{ Fd() uintptr })
	if !ok {
		// Backing store without real descriptors (tests); mode narrowing
		// is all we can do.
		return
	}
	fd := int(fder.Fd())

	for field, attr := range xattrNames {
		if v := c.Get(field); v != "" {
			unix.Fsetxattr(fd, attr, []byte(v), 0)
		}
	}

	if uid, err := strconv.ParseUint(c.Get(fields.UID), 10, 32); err == nil && uid >= firstRegularUID {
		unix.Fsetxattr(fd, "system.posix_acl_access", aclUserRead(uint32(uid)), 0)
	}
}

// POSIX ACL xattr encoding, version 2.
const (
	aclVersion = 2

	aclUserObj  = 0x01
	aclUser     = 0x02
	aclGroupObj = 0x04
	aclMask     = 0x10
	aclOther    = 0x20

	aclPermRead  = 0x04
	aclPermWrite = 0x02

	aclUndefinedID = 0xffffffff
)

// aclUserRead encodes an access ACL equivalent to mode 0640 plus a
// read-only (never write) entry for the owning uid.
func aclUserRead(uid uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(aclVersion))
	for _, e := range []struct {
		tag  uint16
		perm uint16
		id   uint32
	}{
		{aclUserObj, aclPermRead | aclPermWrite, aclUndefinedID},
		{aclUser, aclPermRead, uid},
		{aclGroupObj, aclPermRead, aclUndefinedID},
		{aclMask, aclPermRead, aclUndefinedID},
		{aclOther, 0, aclUndefinedID},
	} {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.perm)
		binary.Write(&buf, binary.LittleEndian, e.id)
	}
	return buf.Bytes()
}
