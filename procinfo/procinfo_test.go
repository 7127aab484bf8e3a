package procinfo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/report"
)

// linkFs overlays symlink targets onto a MemMapFs, which has none of its
// own.
type linkFs struct {
	afero.Fs
	links map[string]string
}

func (l *linkFs) ReadlinkIfPossible(name string) (string, error) {
	if target, ok := l.links[name]; ok {
		return target, nil
	}
	return "", os.ErrNotExist
}

func newProcFs(t *testing.T, pid string, files map[string]string, links map[string]string) afero.Fs {
	t.Helper()
	mem := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(mem, "/proc/"+pid+"/"+name, []byte(content), 0444); err != nil {
			t.Fatalf("WriteFile returned an error %v", err)
		}
	}
	full := make(map[string]string, len(links))
	for name, target := range links {
		full["/proc/"+pid+"/"+name] = target
	}
	return &linkFs{Fs: mem, links: full}
}

func TestComm(t *testing.T) {
	fs := newProcFs(t, "1234", map[string]string{"comm": "crasher\n"}, nil)
	got, err := New(fs, 1234).Comm()
	if err != nil {
		t.Fatalf("Comm returned an error %v", err)
	}
	if got != "crasher" {
		t.Errorf("Comm = %q, want crasher", got)
	}
}

func TestExe(t *testing.T) {
	for _, tc := range []struct {
		name        string
		target      string
		wantExe     string
		wantDeleted bool
	}{
		{name: "Alive", target: "/usr/bin/crasher", wantExe: "/usr/bin/crasher"},
		{name: "Deleted", target: "/usr/bin/crasher (deleted)", wantExe: "/usr/bin/crasher", wantDeleted: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newProcFs(t, "1234", nil, map[string]string{"exe": tc.target})
			exe, deleted, err := New(fs, 1234).Exe()
			if err != nil {
				t.Fatalf("Exe returned an error %v", err)
			}
			if exe != tc.wantExe || deleted != tc.wantDeleted {
				t.Errorf("Exe = (%q, %t), want (%q, %t)", exe, deleted, tc.wantExe, tc.wantDeleted)
			}
		})
	}
}

func TestCmdline(t *testing.T) {
	fs := newProcFs(t, "1234", map[string]string{
		"cmdline": "/usr/bin/crasher\x00--flag\x00value\x00",
	}, nil)
	got, err := New(fs, 1234).Cmdline()
	if err != nil {
		t.Fatalf("Cmdline returned an error %v", err)
	}
	if got != "/usr/bin/crasher --flag value" {
		t.Errorf("Cmdline = %q", got)
	}
}

func TestCgroupDerived(t *testing.T) {
	const systemCgroup = "1:name=systemd:/ignored\n" +
		"0::/system.slice/system-db.slice/postgres.service\n"
	const userCgroup = "0::/user.slice/user-1000.slice/user@1000.service/app.slice/run-foo.scope\n"
	const sessionCgroup = "0::/user.slice/user-1000.slice/session-4.scope\n"

	t.Run("SystemUnit", func(t *testing.T) {
		r := New(newProcFs(t, "1", map[string]string{"cgroup": systemCgroup}, nil), 1)
		unit, err := r.Unit()
		if err != nil {
			t.Fatalf("Unit returned an error %v", err)
		}
		if unit != "postgres.service" {
			t.Errorf("Unit = %q", unit)
		}
		slice, err := r.Slice()
		if err != nil {
			t.Fatalf("Slice returned an error %v", err)
		}
		if slice != "system-db.slice" {
			t.Errorf("Slice = %q", slice)
		}
		if _, err := r.UserUnit(); err == nil {
			t.Error("UserUnit() expected to return an error, but got nil")
		}
	})

	t.Run("UserUnit", func(t *testing.T) {
		r := New(newProcFs(t, "1", map[string]string{"cgroup": userCgroup}, nil), 1)
		userUnit, err := r.UserUnit()
		if err != nil {
			t.Fatalf("UserUnit returned an error %v", err)
		}
		if userUnit != "run-foo.scope" {
			t.Errorf("UserUnit = %q", userUnit)
		}
		unit, err := r.Unit()
		if err != nil {
			t.Fatalf("Unit returned an error %v", err)
		}
		if unit != "user@1000.service" {
			t.Errorf("Unit = %q", unit)
		}
	})

	t.Run("Session", func(t *testing.T) {
		r := New(newProcFs(t, "1", map[string]string{"cgroup": sessionCgroup}, nil), 1)
		session, err := r.Session()
		if err != nil {
			t.Fatalf("Session returned an error %v", err)
		}
		if session != "4" {
			t.Errorf("Session = %q, want 4", session)
		}
	})
}

func TestOwnerUID(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "Valid", content: "1000", want: "1000"},
		{name: "NoSession", content: "4294967295", wantErr: true},
		{name: "Empty", content: "", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newProcFs(t, "1234", map[string]string{"loginuid": tc.content}, nil)
			got, err := New(fs, 1234).OwnerUID()
			if (err != nil) != tc.wantErr {
				t.Fatalf("OwnerUID error = %v, wantErr %t", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("OwnerUID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEnviron(t *testing.T) {
	fs := newProcFs(t, "1234", map[string]string{
		"environ": "HOME=/root\x00PATH=/usr/bin\x00",
	}, nil)
	got, err := New(fs, 1234).Environ()
	if err != nil {
		t.Fatalf("Environ returned an error %v", err)
	}
	if got != "HOME=/root\nPATH=/usr/bin" {
		t.Errorf("Environ = %q", got)
	}
}

func TestContainerParentCmdline(t *testing.T) {
	mem := afero.NewMemMapFs()
	for pid, status := range map[string]string{
		"100": "Name:\tcrasher\nPPid:\t50\n",
		"50":  "Name:\tcontainerd-shim\nPPid:\t1\n",
	} {
		if err := afero.WriteFile(mem, "/proc/"+pid+"/status", []byte(status), 0444); err != nil {
			t.Fatalf("WriteFile returned an error %v", err)
		}
	}
	if err := afero.WriteFile(mem, "/proc/50/cmdline", []byte("containerd-shim\x00-id\x00abc\x00"), 0444); err != nil {
		t.Fatalf("WriteFile returned an error %v", err)
	}
	fs := &linkFs{Fs: mem, links: map[string]string{
		"/proc/1/ns/mnt":   "mnt:[1000]",
		"/proc/50/ns/mnt":  "mnt:[1000]",
		"/proc/100/ns/mnt": "mnt:[2000]",
	}}

	got, err := ContainerParentCmdline(fs, 100)
	if err != nil {
		t.Fatalf("ContainerParentCmdline returned an error %v", err)
	}
	if got != "containerd-shim -id abc" {
		t.Errorf("ContainerParentCmdline = %q", got)
	}

	hostGot, err := ContainerParentCmdline(fs, 50)
	if err != nil {
		t.Fatalf("ContainerParentCmdline returned an error %v", err)
	}
	if hostGot != "" {
		t.Errorf("ContainerParentCmdline = %q, want empty for host process", hostGot)
	}
}

func TestCollect(t *testing.T) {
	fs := newProcFs(t, "1234", map[string]string{
		"comm":    "crasher\n",
		"cmdline": "/usr/bin/crasher\x00",
		"cgroup":  "0::/system.slice/crasher.service\n",
		"status":  "Name:\tcrasher\nPPid:\t1\n",
	}, map[string]string{
		"exe": "/usr/bin/crasher",
	})

	ctx := report.WithReport(context.Background(), report.New())
	v := fields.NewVector()
	if err := Collect(ctx, fs, 1234, v); err != nil {
		t.Fatalf("Collect returned an error %v", err)
	}

	byName := make(map[string]string)
	for _, entry := range v.Entries() {
		s := string(entry)
		eq := strings.IndexByte(s, '=')
		byName[s[:eq+1]] = s[eq+1:]
	}
	for name, want := range map[string]string{
		fields.Comm:         "crasher",
		fields.Exe:          "/usr/bin/crasher",
		fields.Unit:         "crasher.service",
		"COREDUMP_CMDLINE=": "/usr/bin/crasher",
		"COREDUMP_CGROUP=":  "/system.slice/crasher.service",
	} {
		if got := byName[name]; got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if _, ok := byName["COREDUMP_OPEN_FDS="]; ok {
		t.Error("COREDUMP_OPEN_FDS collected although fd dir is absent")
	}
}

func TestCollectNoComm(t *testing.T) {
	fs := newProcFs(t, "1234", nil, nil)
	ctx := report.WithReport(context.Background(), report.New())
	if err := Collect(ctx, fs, 1234, fields.NewVector()); err == nil {
		t.Error("Collect() expected to return an error, but got nil")
	}
}
