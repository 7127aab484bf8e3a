package dumper

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMakeFilename(t *testing.T) {
	fs := newTestFs(t)
	c := newTestContext(t, "1073741824")

	got, err := MakeFilename(fs, "/var/lib/coredumpd", c)
	if err != nil {
		t.Fatalf("MakeFilename returned an error %v", err)
	}
	want := "/var/lib/coredumpd/core.crasher.1000.0123456789abcdef0123456789abcdef.1234.1666666666000000"
	if got != want {
		t.Errorf("MakeFilename = %q, want %q", got, want)
	}

	again, err := MakeFilename(fs, "/var/lib/coredumpd", c)
	if err != nil {
		t.Fatalf("MakeFilename returned an error %v", err)
	}
	if again != got {
		t.Error("MakeFilename is not deterministic for the same crash tuple")
	}
}

func TestBootIDBadContent(t *testing.T) {
	fs := newTestFs(t)
	if err := fs.Remove(bootIDPath); err != nil {
		t.Fatalf("Remove returned an error %v", err)
	}
	if _, err := BootID(fs); err == nil {
		t.Error("BootID() expected to return an error, but got nil")
	}
}

func TestEscape(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		want  string
	}{
		{name: "Plain", input: "crasher", want: "crasher"},
		{name: "Slash", input: "a/b", want: `a\x2fb`},
		{name: "Dot", input: "a.out", want: `a\x2eout`},
		{name: "Space", input: "my app", want: `my\x20app`},
		{name: "Backslash", input: `a\b`, want: `a\x5cb`},
		{name: "Control", input: "a\nb", want: `a\x0ab`},
		{name: "HighByte", input: "a\xffb", want: `a\xffb`},
		{name: "Traversal", input: "../../etc/passwd", want: `\x2e\x2e\x2f\x2e\x2e\x2fetc\x2fpasswd`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Escape(tc.input); got != tc.want {
				t.Errorf("Escape(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestACLUserRead(t *testing.T) {
	blob := aclUserRead(1000)
	if len(blob) != 4+5*8 {
		t.Fatalf("len(blob) = %d, want %d", len(blob), 4+5*8)
	}
	if v := binary.LittleEndian.Uint32(blob[:4]); v != aclVersion {
		t.Errorf("version = %d, want %d", v, aclVersion)
	}

	type entry struct {
		Tag, Perm uint16
		ID        uint32
	}
	var got []entry
	for off := 4; off < len(blob); off += 8 {
		got = append(got, entry{
			Tag:  binary.LittleEndian.Uint16(blob[off:]),
			Perm: binary.LittleEndian.Uint16(blob[off+2:]),
			ID:   binary.LittleEndian.Uint32(blob[off+4:]),
		})
	}
	want := []entry{
		{aclUserObj, aclPermRead | aclPermWrite, aclUndefinedID},
		{aclUser, aclPermRead, 1000},
		{aclGroupObj, aclPermRead, aclUndefinedID},
		{aclMask, aclPermRead, aclUndefinedID},
		{aclOther, 0, aclUndefinedID},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ACL entries mismatch (-want +got):\n%s", diff)
	}
}
