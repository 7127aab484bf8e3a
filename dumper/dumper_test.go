package dumper

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/fields"
)

const testBootID = "01234567-89ab-cdef-0123-456789abcdef"

func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, bootIDPath, []byte(testBootID+"\n"), 0444); err != nil {
		t.Fatalf("WriteFile returned an error %v", err)
	}
	return fs
}

func newTestContext(t *testing.T, rlimit string) *fields.Context {
	t.Helper()
	v := fields.NewVector()
	for _, e := range []struct{ name, value string }{
		{fields.PID, "1234"},
		{fields.UID, "1000"},
		{fields.GID, "1000"},
		{fields.Signal, "11"},
		{fields.Timestamp, "1666666666000000"},
		{fields.RLimit, rlimit},
		{fields.Hostname, "testhost"},
		{fields.Comm, "crasher"},
	} {
		if err := v.Append(e.name, e.value); err != nil {
			t.Fatalf("Append returned an error %v", err)
		}
	}
	c, err := fields.NewContext(v)
	if err != nil {
		t.Fatalf("NewContext returned an error %v", err)
	}
	return c
}

func testConfig() *configuration.Config {
	cfg := configuration.Default()
	cfg.StoreRoot = "/var/lib/coredumpd"
	cfg.Compress = false
	return cfg
}

func TestSavePlain(t *testing.T) {
	fs := newTestFs(t)
	cfg := testConfig()
	d := New(fs, cfg)
	input := bytes.Repeat([]byte("core-content-"), 100)

	res, err := d.Save(context.Background(), newTestContext(t, "1073741824"), bytes.NewReader(input))
	if err != nil {
		t.Fatalf("Save returned an error %v", err)
	}
	defer res.Close()

	if res.Truncated {
		t.Error("Truncated = true, want false")
	}
	if res.Size != int64(len(input)) {
		t.Errorf("Size = %d, want %d", res.Size, len(input))
	}
	if !strings.HasPrefix(res.Filename, cfg.StoreRoot+"/core.crasher.1000.") {
		t.Errorf("Filename = %q, unexpected shape", res.Filename)
	}

	got, err := afero.ReadFile(fs, res.Filename)
	if err != nil {
		t.Fatalf("ReadFile(%s) returned an error %v", res.Filename, err)
	}
	if diff := cmp.Diff(input, got); diff != "" {
		t.Errorf("stored core mismatch (-want +got):\n%s", diff)
	}

	fromHandle, err := io.ReadAll(res.Data)
	if err != nil {
		t.Fatalf("ReadAll returned an error %v", err)
	}
	if !bytes.Equal(fromHandle, input) {
		t.Error("Data handle does not replay the stored core")
	}

	if exists, _ := afero.Exists(fs, tempName(res.Filename)); exists {
		t.Error("temporary file is still visible after publish")
	}
}

func TestSavePlainTruncation(t *testing.T) {
	fs := newTestFs(t)
	cfg := testConfig()
	cfg.ProcessSizeMax = 8192
	cfg.ExternalSizeMax = 8192
	d := New(fs, cfg)

	input := bytes.Repeat([]byte("x"), 9000)
	res, err := d.Save(context.Background(), newTestContext(t, "1073741824"), bytes.NewReader(input))
	if err != nil {
		t.Fatalf("Save returned an error %v", err)
	}
	defer res.Close()

	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if res.Size != 8192 {
		t.Errorf("Size = %d, want 8192", res.Size)
	}
}

func TestSaveCompressed(t *testing.T) {
	fs := newTestFs(t)
	cfg := testConfig()
	cfg.Compress = true
	cfg.Compression = configuration.CompressionZstd
	d := New(fs, cfg)

	input := bytes.Repeat([]byte("compressible-core-"), 512)
	res, err := d.Save(context.Background(), newTestContext(t, "1073741824"), bytes.NewReader(input))
	if err != nil {
		t.Fatalf("Save returned an error %v", err)
	}
	defer res.Close()

	if !strings.HasSuffix(res.Filename, ".zstd") {
		t.Errorf("Filename = %q, want .zstd suffix", res.Filename)
	}
	if res.Size != int64(len(input)) {
		t.Errorf("Size = %d, want uncompressed %d", res.Size, len(input))
	}
	if res.CompressedSize <= 0 || res.CompressedSize >= int64(len(input)) {
		t.Errorf("CompressedSize = %d, want in (0, %d)", res.CompressedSize, len(input))
	}

	archive, err := afero.ReadFile(fs, res.Filename)
	if err != nil {
		t.Fatalf("ReadFile returned an error %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("zstd.NewReader returned an error %v", err)
	}
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll returned an error %v", err)
	}
	if !bytes.Equal(plain, input) {
		t.Error("stored archive does not decompress to the input")
	}

	if res.Data == nil {
		t.Fatal("Data = nil, want scratch decompressed copy")
	}
	scratch, err := io.ReadAll(res.Data)
	if err != nil {
		t.Fatalf("ReadAll(scratch) returned an error %v", err)
	}
	if !bytes.Equal(scratch, input) {
		t.Error("scratch copy does not match the input")
	}
}

func TestSaveRLimitDisabled(t *testing.T) {
	for _, rlimit := range []string{"0", "1", "4095"} {
		t.Run(rlimit, func(t *testing.T) {
			d := New(newTestFs(t), testConfig())
			_, err := d.Save(context.Background(), newTestContext(t, rlimit), bytes.NewReader([]byte("data")))
			if err != ErrDumpingDisabled {
				t.Errorf("Save = %v, want ErrDumpingDisabled", err)
			}
		})
	}
}

func TestSaveLimitsZero(t *testing.T) {
	cfg := testConfig()
	cfg.Storage = configuration.StorageNone
	cfg.ProcessSizeMax = 0
	d := New(newTestFs(t), cfg)
	_, err := d.Save(context.Background(), newTestContext(t, "1073741824"), bytes.NewReader([]byte("data")))
	if err != ErrLimitsZero {
		t.Errorf("Save = %v, want ErrLimitsZero", err)
	}
}

func TestMaybeRemove(t *testing.T) {
	for _, tc := range []struct {
		name    string
		storage configuration.Storage
		size    int64
		removed bool
	}{
		{name: "ExternalWithinLimit", storage: configuration.StorageExternal, size: 100, removed: false},
		{name: "ExternalOverLimit", storage: configuration.StorageExternal, size: 1 << 40, removed: true},
		{name: "JournalInlined", storage: configuration.StorageJournal, size: 100, removed: true},
		{name: "JournalDiverted", storage: configuration.StorageJournal, size: 800 << 20, removed: false},
		{name: "NoneMode", storage: configuration.StorageNone, size: 100, removed: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newTestFs(t)
			cfg := testConfig()
			cfg.Storage = tc.storage
			const fn = "/var/lib/coredumpd/core.x"
			if err := afero.WriteFile(fs, fn, []byte("core"), 0640); err != nil {
				t.Fatalf("WriteFile returned an error %v", err)
			}

			removed, err := New(fs, cfg).MaybeRemove(fn, tc.size)
			if err != nil {
				t.Fatalf("MaybeRemove returned an error %v", err)
			}
			if removed != tc.removed {
				t.Errorf("MaybeRemove = %t, want %t", removed, tc.removed)
			}
			exists, _ := afero.Exists(fs, fn)
			if exists != !tc.removed {
				t.Errorf("file exists = %t, want %t", exists, !tc.removed)
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(newTestFs(t), testConfig())
	if _, err := d.Save(ctx, newTestContext(t, "1073741824"), bytes.NewReader([]byte("data"))); err == nil {
		t.Error("Save() expected to return an error, but got nil")
	}
}
