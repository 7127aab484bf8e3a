package configuration

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) returned an error %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Parse(nil) mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOverrides(t *testing.T) {
	body := []byte(`
storage: journal
compress: false
journal_size_max: 1048576
keep_free: 1073741824
max_use: 10737418240
store_root: /tmp/cores
`)
	cfg, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse returned an error %v", err)
	}
	if cfg.Storage != StorageJournal {
		t.Errorf("Storage = %v, want journal", cfg.Storage)
	}
	if cfg.Compress {
		t.Error("Compress = true, want false")
	}
	if cfg.JournalSizeMax != 1<<20 {
		t.Errorf("JournalSizeMax = %d, want %d", cfg.JournalSizeMax, 1<<20)
	}
	if cfg.KeepFree != 1<<30 || cfg.MaxUse != 10*(1<<30) {
		t.Errorf("quota = (%d, %d), want (%d, %d)", cfg.KeepFree, cfg.MaxUse, int64(1<<30), int64(10*(1<<30)))
	}
	if cfg.StoreRoot != "/tmp/cores" {
		t.Errorf("StoreRoot = %q, want /tmp/cores", cfg.StoreRoot)
	}
	// Untouched keys keep their defaults.
	if cfg.ProcessSizeMax != DefaultProcessSizeMax {
		t.Errorf("ProcessSizeMax = %d, want default %d", cfg.ProcessSizeMax, int64(DefaultProcessSizeMax))
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{name: "BadStorage", body: "storage: elsewhere"},
		{name: "NegativeSize", body: "process_size_max: -5"},
		{name: "Garbage", body: ":::"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.body)); err == nil {
				t.Error("Parse() expected to return an error, but got nil")
			}
		})
	}
}
