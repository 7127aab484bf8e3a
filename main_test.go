package main

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/journal"
)

func TestVectorFromArgv(t *testing.T) {
	v, err := vectorFromArgv([]string{"1234", "1000", "1000", "11", "1666666666", "1073741824", "host"})
	if err != nil {
		t.Fatalf("vectorFromArgv returned an error %v", err)
	}

	got := make(map[string]string)
	for _, entry := range v.Entries() {
		s := string(entry)
		eq := strings.IndexByte(s, '=')
		got[s[:eq+1]] = s[eq+1:]
	}
	want := map[string]string{
		fields.PID:              "1234",
		fields.UID:              "1000",
		fields.GID:              "1000",
		fields.Signal:           "11",
		fields.Timestamp:        "1666666666000000",
		fields.RLimit:           "1073741824",
		fields.Hostname:         "host",
		"COREDUMP_SIGNAL_NAME=": "SIGSEGV",
		"MESSAGE_ID=":           journal.MessageID,
		"PRIORITY=":             "2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vector mismatch (-want +got):\n%s", diff)
	}
}

func TestVectorFromArgvBadCount(t *testing.T) {
	for _, tc := range [][]string{
		nil,
		{"1234"},
		{"1234", "1000", "1000", "11", "1666666666", "1073741824"},
		{"1234", "1000", "1000", "11", "1666666666", "1073741824", "host", "extra"},
	} {
		if _, err := vectorFromArgv(tc); err == nil {
			t.Errorf("vectorFromArgv(%d args) expected to return an error, but got nil", len(tc))
		}
	}
}
