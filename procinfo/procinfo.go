// Package procinfo reads crash-relevant metadata from /proc/<pid>. Every
// reader except Comm is best-effort: the crashing process is frozen while
// the handler runs, but individual proc files may still be unreadable.
package procinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/report"
	"github.com/noxiouz/coredumpd/utils/environ"
)

const deletedBinarySuffix = " (deleted)"

// Reader exposes the /proc/<pid> view of a single process.
type Reader struct {
	procFs afero.Fs
}

// New returns a Reader rooted at /proc/<pid> of the given filesystem.
func New(filesystem afero.Fs, pid int64) *Reader {
	return &Reader{
		procFs: afero.NewBasePathFs(filesystem, fmt.Sprintf("/proc/%d", pid)),
	}
}

// Comm returns the short command name of the process.
func (r *Reader) Comm() (string, error) {
	b, err := afero.ReadFile(r.procFs, "comm")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// Exe returns the executable path, with the kernel's deletion marker
// stripped, and whether the binary has been deleted.
func (r *Reader) Exe() (string, bool, error) {
	linkReader, ok := r.procFs.(afero.LinkReader)
	if !ok {
		return "", false, fmt.Errorf("procinfo: filesystem does not support readlink")
	}
	exe, err := linkReader.ReadlinkIfPossible("exe")
	if err != nil {
		return "", false, err
	}
	deleted := strings.HasSuffix(exe, deletedBinarySuffix)
	return strings.TrimSuffix(exe, deletedBinarySuffix), deleted, nil
}

// Cmdline returns the process command line with NUL separators replaced by
// spaces.
func (r *Reader) Cmdline() (string, error) {
	b, err := afero.ReadFile(r.procFs, "cmdline")
	if err != nil {
		return "", err
	}
	b = bytes.TrimRight(b, "\x00")
	return string(bytes.ReplaceAll(b, []byte{0}, []byte{' '})), nil
}

// CgroupPath returns the unified-hierarchy cgroup path of the process.
func (r *Reader) CgroupPath() (string, error) {
	b, err := afero.ReadFile(r.procFs, "cgroup")
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		// 0::/system.slice/foo.service
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) == 3 && parts[0] == "0" {
			return parts[2], nil
		}
	}
	return "", fmt.Errorf("procinfo: no unified cgroup entry")
}

// Unit derives the system unit name from the cgroup path.
func (r *Reader) Unit() (string, error) {
	cg, err := r.CgroupPath()
	if err != nil {
		return "", err
	}
	return unitFromCgroup(cg, false)
}

// UserUnit derives the user-manager unit name, if the process runs under
// one.
func (r *Reader) UserUnit() (string, error) {
	cg, err := r.CgroupPath()
	if err != nil {
		return "", err
	}
	return unitFromCgroup(cg, true)
}

// Slice returns the innermost .slice component of the cgroup path.
func (r *Reader) Slice() (string, error) {
	cg, err := r.CgroupPath()
	if err != nil {
		return "", err
	}
	slice := ""
	for _, comp := range strings.Split(cg, "/") {
		if strings.HasSuffix(comp, ".slice") {
			slice = comp
		}
	}
	if slice == "" {
		return "", fmt.Errorf("procinfo: no slice in cgroup path %q", cg)
	}
	return slice, nil
}

func unitFromCgroup(cg string, user bool) (string, error) {
	comps := strings.Split(cg, "/")
	inUserManager := false
	for _, comp := range comps {
		if strings.HasPrefix(comp, "user@") && strings.HasSuffix(comp, ".service") {
			// The user manager itself is the system unit of everything
			// below it.
			if !user {
				return comp, nil
			}
			inUserManager = true
			continue
		}
		if strings.HasSuffix(comp, ".service") || strings.HasSuffix(comp, ".scope") {
			if inUserManager == user {
				return comp, nil
			}
		}
	}
	return "", fmt.Errorf("procinfo: no unit in cgroup path %q", cg)
}

// Session returns the logind session id derived from the cgroup path.
func (r *Reader) Session() (string, error) {
	cg, err := r.CgroupPath()
	if err != nil {
		return "", err
	}
	for _, comp := range strings.Split(cg, "/") {
		if strings.HasPrefix(comp, "session-") && strings.HasSuffix(comp, ".scope") {
			return strings.TrimSuffix(strings.TrimPrefix(comp, "session-"), ".scope"), nil
		}
	}
	return "", fmt.Errorf("procinfo: no session in cgroup path %q", cg)
}

// OwnerUID returns the audit login uid of the process.
func (r *Reader) OwnerUID() (string, error) {
	b, err := afero.ReadFile(r.procFs, "loginuid")
	if err != nil {
		return "", err
	}
	uid := strings.TrimSpace(string(b))
	if uid == "" || uid == "4294967295" { // (uid_t) -1, no login session
		return "", fmt.Errorf("procinfo: process has no owner uid")
	}
	return uid, nil
}

// Environ returns the process environment with NUL separators replaced by
// newlines so the journal field stays printable.
func (r *Reader) Environ() (string, error) {
	f, err := r.procFs.Open("environ")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	scanner.Split(environ.ScanNullByte)
	for scanner.Scan() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.Write(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Env parses the environment of the process into a lookup table.
func (r *Reader) Env() (environ.Environ, error) {
	f, err := r.procFs.Open("environ")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return environ.New(f), nil
}

// OpenFds joins fd targets with their fdinfo contents:
//
//	0:/dev/pts/23
//	pos:    0
//	flags:  0100002
func (r *Reader) OpenFds() (string, error) {
	linkReader, ok := r.procFs.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("procinfo: filesystem does not support readlink")
	}
	infos, err := afero.ReadDir(r.procFs, "fd")
	if err != nil {
		return "", err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var sb strings.Builder
	for i, info := range infos {
		target, err := linkReader.ReadlinkIfPossible(path.Join("fd", info.Name()))
		if err != nil {
			continue
		}
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s:%s\n", info.Name(), target)

		fdinfo, err := afero.ReadFile(r.procFs, path.Join("fdinfo", info.Name()))
		if err != nil {
			continue
		}
		sb.Write(bytes.TrimRight(fdinfo, "\n"))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// ReadFile returns the raw content of a /proc/<pid> file.
func (r *Reader) ReadFile(name string) (string, error) {
	b, err := afero.ReadFile(r.procFs, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Readlink resolves a /proc/<pid> symlink such as cwd or root.
func (r *Reader) Readlink(name string) (string, error) {
	linkReader, ok := r.procFs.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("procinfo: filesystem does not support readlink")
	}
	return linkReader.ReadlinkIfPossible(name)
}

// Collect appends runtime metadata for the crashing process to the vector.
// COMM is the only field whose absence is an error; everything else is
// logged to the report and omitted.
func Collect(ctx context.Context, filesystem afero.Fs, pid int64, v *fields.Vector) error {
	r := New(filesystem, pid)
	rep := report.R(ctx)

	comm, err := r.Comm()
	if err != nil {
		return fmt.Errorf("procinfo: failed to get COMM: %w", err)
	}
	if err := v.Append(fields.Comm, comm); err != nil {
		return err
	}

	putString := func(name string, value string, err error) {
		if err != nil {
			rep.AddError("procinfo."+strings.ToLower(strings.Trim(name, "=")), err)
			return
		}
		if appendErr := v.Append(name, value); appendErr != nil {
			rep.AddError("procinfo.append", appendErr)
		}
	}

	exe, deleted, err := r.Exe()
	putString(fields.Exe, exe, err)
	if err == nil {
		rep.AddBool("binary.deleted", deleted)
	}

	unit, err := r.Unit()
	putString(fields.Unit, unit, err)

	userUnit, err := r.UserUnit()
	putString("COREDUMP_USER_UNIT=", userUnit, err)

	session, err := r.Session()
	putString("COREDUMP_SESSION=", session, err)

	ownerUID, err := r.OwnerUID()
	putString("COREDUMP_OWNER_UID=", ownerUID, err)

	slice, err := r.Slice()
	putString("COREDUMP_SLICE=", slice, err)

	cmdline, err := r.Cmdline()
	putString("COREDUMP_CMDLINE=", cmdline, err)

	cgroup, err := r.CgroupPath()
	putString("COREDUMP_CGROUP=", cgroup, err)

	openFds, err := r.OpenFds()
	putString("COREDUMP_OPEN_FDS=", openFds, err)

	for _, pf := range []struct{ field, file string }{
		{"COREDUMP_PROC_STATUS=", "status"},
		{"COREDUMP_PROC_MAPS=", "maps"},
		{"COREDUMP_PROC_LIMITS=", "limits"},
		{"COREDUMP_PROC_CGROUP=", "cgroup"},
		{"COREDUMP_PROC_MOUNTINFO=", "mountinfo"},
	} {
		content, err := r.ReadFile(pf.file)
		putString(pf.field, content, err)
	}

	cwd, err := r.Readlink("cwd")
	putString("COREDUMP_CWD=", cwd, err)

	root, err := r.Readlink("root")
	putString("COREDUMP_ROOT=", root, err)

	env, err := r.Environ()
	putString("COREDUMP_ENVIRON=", env, err)

	if cmdline, err := ContainerParentCmdline(filesystem, pid); err != nil {
		rep.AddError("procinfo.container", err)
	} else if cmdline != "" {
		if appendErr := v.Append("COREDUMP_CONTAINER_CMDLINE=", cmdline); appendErr != nil {
			rep.AddError("procinfo.append", appendErr)
		}
	}

	return nil
}
