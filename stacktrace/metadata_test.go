package stacktrace

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func buildNoteStream(owner string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	name := append([]byte(owner), 0)
	binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, typ)
	buf.Write(name)
	buf.Write(make([]byte, (4-len(name)%4)%4))
	buf.Write(desc)
	buf.Write(make([]byte, (4-len(desc)%4)%4))
	return buf.Bytes()
}

func TestScanPackageNote(t *testing.T) {
	payload := []byte(`{"type":"rpm","name":"crasher","version":"1.2-3"}` + "\x00")
	stream := append(
		buildNoteStream("GNU", 3, []byte{0xde, 0xad, 0xbe, 0xef}),
		buildNoteStream(packageNoteOwner, packageNoteType, payload)...)

	got := scanPackageNote(bytes.NewReader(stream))
	want := map[string]interface{}{
		"type":    "rpm",
		"name":    "crasher",
		"version": "1.2-3",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestScanPackageNoteAbsent(t *testing.T) {
	stream := buildNoteStream("GNU", 3, []byte{0xde, 0xad})
	if got := scanPackageNote(bytes.NewReader(stream)); got != nil {
		t.Errorf("scanPackageNote = %v, want nil", got)
	}
}

func TestScanPackageNoteBadJSON(t *testing.T) {
	stream := buildNoteStream(packageNoteOwner, packageNoteType, []byte("not-json\x00"))
	if got := scanPackageNote(bytes.NewReader(stream)); got != nil {
		t.Errorf("scanPackageNote = %v, want nil", got)
	}
}

func TestErrorCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int32
	}{
		{name: "Errno", err: unix.ENOENT, want: -int32(unix.ENOENT)},
		{name: "NotCore", err: errNotCore, want: -int32(unix.EBADMSG)},
		{name: "NoThreads", err: errNoThreads, want: -int32(unix.EBADMSG)},
		{name: "Other", err: os.ErrClosed, want: -int32(unix.EIO)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorCode(tc.err); got != tc.want {
				t.Errorf("errorCode = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRunChildOnSyntheticCore(t *testing.T) {
	const stackBase = uint64(0x7ffe000)
	var b coreBuilder
	b.addPrstatus(42, 0x401500, stackBase, 0)
	b.addFileNote([]fileMapping{
		{name: "/nonexistent/crasher", start: 0x400000, end: 0x500000},
	})

	dir := t.TempDir()
	corePath := filepath.Join(dir, "core")
	if err := os.WriteFile(corePath, b.build(), 0640); err != nil {
		t.Fatalf("WriteFile returned an error %v", err)
	}
	core, err := os.Open(corePath)
	if err != nil {
		t.Fatalf("Open returned an error %v", err)
	}
	defer core.Close()

	text, err := os.Create(filepath.Join(dir, "text"))
	if err != nil {
		t.Fatalf("Create returned an error %v", err)
	}
	defer text.Close()
	meta, err := os.Create(filepath.Join(dir, "meta"))
	if err != nil {
		t.Fatalf("Create returned an error %v", err)
	}
	defer meta.Close()

	if code := runChild(core, text, meta); code != 0 {
		t.Fatalf("runChild = %d, want 0", code)
	}

	out, err := os.ReadFile(text.Name())
	if err != nil {
		t.Fatalf("ReadFile returned an error %v", err)
	}
	if !strings.Contains(string(out), "Stack trace of thread 42:") {
		t.Errorf("backtrace text %q misses the thread header", out)
	}
	if !strings.Contains(string(out), "0x0000000000401500") {
		t.Errorf("backtrace text %q misses the crash pc", out)
	}
}

func TestRunChildRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	corePath := filepath.Join(dir, "core")
	if err := os.WriteFile(corePath, []byte("this is not an ELF file at all"), 0640); err != nil {
		t.Fatalf("WriteFile returned an error %v", err)
	}
	core, err := os.Open(corePath)
	if err != nil {
		t.Fatalf("Open returned an error %v", err)
	}
	defer core.Close()

	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile returned an error %v", err)
	}
	defer devnull.Close()

	if code := runChild(core, devnull, devnull); code != -int32(unix.EBADMSG) {
		t.Errorf("runChild = %d, want %d", code, -int32(unix.EBADMSG))
	}
}
