// Package mount manages exclusive acquisition of the removable update
// medium. The medium is a single-owner resource: exactly one Medium is
// active between a successful Acquire and its Release, and the host must
// never be left with the medium mounted once the run is over.
package mount

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/internal/elevate"
	"github.com/stagecue/cuehost/pkg/logging"
)

// ErrorKind categorizes mount failures for handling strategy
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindDeviceAbsent      // device path does not exist
	KindPermissionDenied  // mount(8) refused by the OS
	KindAlreadyMounted    // mount point occupied by a different medium
)

func (k ErrorKind) String() string {
	switch k {
	case KindDeviceAbsent:
		return "device_absent"
	case KindPermissionDenied:
		return "permission_denied"
	case KindAlreadyMounted:
		return "already_mounted"
	default:
		return "unknown"
	}
}

// MountError wraps acquire failures with categorization
type MountError struct {
	Kind       ErrorKind
	Device     string
	MountPoint string
	Stderr     string
	Err        error
}

func (e *MountError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("mount %s at %s: %s: %s", e.Device, e.MountPoint, e.Kind, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("mount %s at %s: %s: %v", e.Device, e.MountPoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("mount %s at %s: %s", e.Device, e.MountPoint, e.Kind)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// UnmountError wraps release failures. Busy means an open file handle under
// the mount point prevented the unmount.
type UnmountError struct {
	MountPoint string
	Busy       bool
	Stderr     string
	Err        error
}

func (e *UnmountError) Error() string {
	reason := "failed"
	if e.Busy {
		reason = "busy"
	}
	if e.Stderr != "" {
		return fmt.Sprintf("unmount %s: %s: %s", e.MountPoint, reason, e.Stderr)
	}
	return fmt.Sprintf("unmount %s: %s: %v", e.MountPoint, reason, e.Err)
}

func (e *UnmountError) Unwrap() error {
	return e.Err
}

// Medium is the removable storage device while under management
type Medium struct {
	DevicePath string
	MountPoint string
	OwnerUID   int
	OwnerGID   int

	mounted bool
}

// Mounted reports whether the medium is currently mounted
func (m *Medium) Mounted() bool {
	return m != nil && m.mounted
}

// partitionLister reads the host mount table. Swapped in tests.
type partitionLister func(all bool) ([]disk.PartitionStat, error)

// statFunc checks device existence. Swapped in tests.
type statFunc func(name string) (os.FileInfo, error)

// Manager performs mount and unmount of the removable medium through the
// privilege-elevation runner
type Manager struct {
	device config.DeviceConfig
	runner elevate.Runner
	log    *logging.Logger

	partitions partitionLister
	stat       statFunc

	active *Medium
}

// NewManager creates a mount manager for the configured device
func NewManager(device config.DeviceConfig, runner elevate.Runner, log *logging.Logger) *Manager {
	return &Manager{
		device:     device,
		runner:     runner,
		log:        log,
		partitions: disk.Partitions,
		stat:       os.Stat,
	}
}

// Acquire mounts the removable medium at the configured mount point with the
// configured owner. When the mount point is already occupied by the expected
// device (a previous run died before releasing), the mount is adopted rather
// than failed, so Release can still restore the invariant.
func (m *Manager) Acquire(ctx context.Context) (*Medium, error) {
	if m.active.Mounted() {
		return nil, &MountError{
			Kind:       KindAlreadyMounted,
			Device:     m.device.Path,
			MountPoint: m.device.MountPoint,
			Err:        fmt.Errorf("medium already acquired"),
		}
	}

	if _, err := m.stat(m.device.Path); os.IsNotExist(err) {
		return nil, &MountError{
			Kind:       KindDeviceAbsent,
			Device:     m.device.Path,
			MountPoint: m.device.MountPoint,
			Err:        err,
		}
	}

	occupant, err := m.mountPointOccupant()
	if err != nil {
		m.log.Warn("Could not read mount table", map[string]interface{}{"error": err.Error()})
	}
	if occupant != "" {
		if occupant != m.device.Path {
			return nil, &MountError{
				Kind:       KindAlreadyMounted,
				Device:     m.device.Path,
				MountPoint: m.device.MountPoint,
				Err:        fmt.Errorf("mount point held by %s", occupant),
			}
		}
		m.log.Warn("Adopting leftover mount from a previous run", map[string]interface{}{
			"mount_point": m.device.MountPoint,
		})
		m.active = m.newMedium()
		return m.active, nil
	}

	opts := fmt.Sprintf("uid=%d,gid=%d", m.device.UID, m.device.GID)
	stderr, err := m.run(ctx, "mount", "-o", opts, m.device.Path, m.device.MountPoint)
	if err != nil {
		return nil, &MountError{
			Kind:       classifyMountFailure(stderr),
			Device:     m.device.Path,
			MountPoint: m.device.MountPoint,
			Stderr:     stderr,
			Err:        err,
		}
	}

	m.active = m.newMedium()
	return m.active, nil
}

// Release unmounts the medium. Safe to call with a nil or already-released
// medium; that is a no-op, not an error.
func (m *Manager) Release(ctx context.Context, medium *Medium) error {
	if !medium.Mounted() {
		return nil
	}

	stderr, err := m.run(ctx, "umount", medium.MountPoint)
	if err != nil {
		return &UnmountError{
			MountPoint: medium.MountPoint,
			Busy:       isBusyFailure(stderr),
			Stderr:     stderr,
			Err:        err,
		}
	}

	medium.mounted = false
	m.active = nil
	return nil
}

// WithMedium acquires the medium, runs fn, and guarantees exactly one
// release attempt on every exit path. Release failures are logged, not
// returned: a stuck unmount must not change the outcome of the work.
func (m *Manager) WithMedium(ctx context.Context, fn func(*Medium) error) error {
	medium, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(ctx, medium); err != nil {
			m.log.Error("Failed to release medium", map[string]interface{}{"error": err.Error()})
		}
	}()
	return fn(medium)
}

func (m *Manager) newMedium() *Medium {
	return &Medium{
		DevicePath: m.device.Path,
		MountPoint: m.device.MountPoint,
		OwnerUID:   m.device.UID,
		OwnerGID:   m.device.GID,
		mounted:    true,
	}
}

// mountPointOccupant returns the source device currently mounted at the
// configured mount point, or "" when the mount point is free
func (m *Manager) mountPointOccupant() (string, error) {
	parts, err := m.partitions(true)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if p.Mountpoint == m.device.MountPoint {
			return p.Device, nil
		}
	}
	return "", nil
}

func (m *Manager) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := m.runner.Command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

// classifyMountFailure maps mount(8) stderr to an ErrorKind
func classifyMountFailure(stderr string) ErrorKind {
	s := strings.ToLower(stderr)

	permissionPatterns := []string{
		"permission denied",
		"only root can",
		"must be superuser",
		"operation not permitted",
		"a password is required",
	}
	for _, p := range permissionPatterns {
		if strings.Contains(s, p) {
			return KindPermissionDenied
		}
	}

	if strings.Contains(s, "already mounted") || strings.Contains(s, "mount point is busy") {
		return KindAlreadyMounted
	}

	absentPatterns := []string{
		"does not exist",
		"no such file or directory",
		"special device",
	}
	for _, p := range absentPatterns {
		if strings.Contains(s, p) {
			return KindDeviceAbsent
		}
	}

	return KindUnknown
}

func isBusyFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "target is busy") ||
		strings.Contains(s, "device is busy") ||
		strings.Contains(s, "resource busy")
}
