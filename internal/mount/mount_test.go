package mount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/pkg/logging"
)

// fakeRunner records every command and returns a scripted one instead
type fakeRunner struct {
	calls  [][]string
	script func(name string, args []string) *exec.Cmd
}

func (f *fakeRunner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.script != nil {
		return f.script(name, args)
	}
	return exec.CommandContext(ctx, "true")
}

func (f *fakeRunner) callsTo(name string) int {
	n := 0
	for _, c := range f.calls {
		if c[0] == name {
			n++
		}
	}
	return n
}

// failingCmd builds a command that writes stderr and exits non-zero
func failingCmd(stderr string, code int) *exec.Cmd {
	return exec.Command("sh", "-c", fmt.Sprintf("echo %q 1>&2; exit %d", stderr, code))
}

func testDevice() config.DeviceConfig {
	return config.DeviceConfig{
		Path:       "/dev/sda1",
		MountPoint: "/media/usb",
		UID:        1000,
		GID:        1000,
	}
}

func newTestManager(runner *fakeRunner, parts []disk.PartitionStat, deviceExists bool) *Manager {
	m := NewManager(testDevice(), runner, logging.NewLogger(logging.ERROR, false))
	m.partitions = func(all bool) ([]disk.PartitionStat, error) {
		return parts, nil
	}
	m.stat = func(name string) (os.FileInfo, error) {
		if deviceExists {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
	return m
}

func TestAcquireDeviceAbsent(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, false)

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected error for absent device")
	}
	mountErr, ok := err.(*MountError)
	if !ok {
		t.Fatalf("expected *MountError, got %T", err)
	}
	if mountErr.Kind != KindDeviceAbsent {
		t.Errorf("expected KindDeviceAbsent, got %s", mountErr.Kind)
	}
	if len(runner.calls) != 0 {
		t.Errorf("no commands should run for an absent device, got %v", runner.calls)
	}
}

func TestAcquireMountPointOccupiedByOtherDevice(t *testing.T) {
	runner := &fakeRunner{}
	parts := []disk.PartitionStat{{Device: "/dev/sdb1", Mountpoint: "/media/usb"}}
	m := newTestManager(runner, parts, true)

	_, err := m.Acquire(context.Background())
	mountErr, ok := err.(*MountError)
	if !ok {
		t.Fatalf("expected *MountError, got %v", err)
	}
	if mountErr.Kind != KindAlreadyMounted {
		t.Errorf("expected KindAlreadyMounted, got %s", mountErr.Kind)
	}
}

func TestAcquireAdoptsLeftoverMount(t *testing.T) {
	runner := &fakeRunner{}
	parts := []disk.PartitionStat{{Device: "/dev/sda1", Mountpoint: "/media/usb"}}
	m := newTestManager(runner, parts, true)

	medium, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected adoption of leftover mount, got %v", err)
	}
	if !medium.Mounted() {
		t.Error("adopted medium should be mounted")
	}
	if runner.callsTo("mount") != 0 {
		t.Errorf("adoption must not call mount again, got %v", runner.calls)
	}
}

func TestAcquireRunsMountWithOwnerOptions(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	medium, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected acquire failure: %v", err)
	}
	if !medium.Mounted() {
		t.Error("medium should be mounted after acquire")
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected one mount command, got %v", runner.calls)
	}
	call := runner.calls[0]
	want := []string{"mount", "-o", "uid=1000,gid=1000", "/dev/sda1", "/media/usb"}
	if len(call) != len(want) {
		t.Fatalf("unexpected mount command %v", call)
	}
	for i := range want {
		if call[i] != want[i] {
			t.Errorf("mount arg %d: got %q, want %q", i, call[i], want[i])
		}
	}
}

func TestAcquirePermissionDenied(t *testing.T) {
	runner := &fakeRunner{
		script: func(name string, args []string) *exec.Cmd {
			return failingCmd("mount: only root can do that", 1)
		},
	}
	m := newTestManager(runner, nil, true)

	_, err := m.Acquire(context.Background())
	mountErr, ok := err.(*MountError)
	if !ok {
		t.Fatalf("expected *MountError, got %v", err)
	}
	if mountErr.Kind != KindPermissionDenied {
		t.Errorf("expected KindPermissionDenied, got %s", mountErr.Kind)
	}
}

func TestSecondAcquireWhileOutstanding(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("second acquire must fail while the first is outstanding")
	}
}

func TestReleaseNoOpWhenNotMounted(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	if err := m.Release(context.Background(), nil); err != nil {
		t.Errorf("release of nil medium must be a no-op, got %v", err)
	}
	if err := m.Release(context.Background(), &Medium{MountPoint: "/media/usb"}); err != nil {
		t.Errorf("release of unmounted medium must be a no-op, got %v", err)
	}
	if runner.callsTo("umount") != 0 {
		t.Errorf("no umount should run, got %v", runner.calls)
	}
}

func TestReleaseBusy(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	medium, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	runner.script = func(name string, args []string) *exec.Cmd {
		return failingCmd("umount: /media/usb: target is busy", 32)
	}
	err = m.Release(context.Background(), medium)
	unmountErr, ok := err.(*UnmountError)
	if !ok {
		t.Fatalf("expected *UnmountError, got %v", err)
	}
	if !unmountErr.Busy {
		t.Error("expected busy classification")
	}
	if !medium.Mounted() {
		t.Error("medium must stay mounted after a failed release")
	}
}

func TestReleaseClearsMedium(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	medium, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := m.Release(context.Background(), medium); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if medium.Mounted() {
		t.Error("medium should not be mounted after release")
	}

	// Release already done, a second call is a no-op
	umounts := runner.callsTo("umount")
	if err := m.Release(context.Background(), medium); err != nil {
		t.Errorf("double release must be a no-op, got %v", err)
	}
	if runner.callsTo("umount") != umounts {
		t.Error("double release must not run umount again")
	}

	// And a fresh acquire is possible again
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestWithMediumReleasesOnError(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner, nil, true)

	wantErr := fmt.Errorf("work failed")
	err := m.WithMedium(context.Background(), func(medium *Medium) error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("expected the work error back, got %v", err)
	}
	if runner.callsTo("umount") != 1 {
		t.Errorf("expected exactly one umount, got %v", runner.calls)
	}
}

func TestClassifyMountFailure(t *testing.T) {
	cases := []struct {
		stderr string
		want   ErrorKind
	}{
		{"mount: permission denied", KindPermissionDenied},
		{"sudo: a password is required", KindPermissionDenied},
		{"mount: /dev/sda1 is already mounted on /media/usb", KindAlreadyMounted},
		{"mount: special device /dev/sda1 does not exist", KindDeviceAbsent},
		{"mount: wrong fs type", KindUnknown},
	}
	for _, tc := range cases {
		if got := classifyMountFailure(tc.stderr); got != tc.want {
			t.Errorf("classifyMountFailure(%q) = %s, want %s", tc.stderr, got, tc.want)
		}
	}
}
