// Package launch orchestrates one run of the host: best-effort sync pass
// from the removable medium, guaranteed medium release, then launch of the
// main application with its exit code passed through.
//
// Mount, sync and unmount failures are soft. They degrade the run to
// "launch with what's on disk"; only failing to start the application
// itself is fatal.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/internal/elevate"
	"github.com/stagecue/cuehost/internal/metrics"
	"github.com/stagecue/cuehost/internal/mount"
	"github.com/stagecue/cuehost/internal/repo"
	"github.com/stagecue/cuehost/pkg/logging"
)

// Outcome is the terminal result of one application launch
type Outcome struct {
	ExitCode int
	Crashed  bool
}

// StartError means the main application could not be invoked at all.
// This is the only fatal condition of a run.
type StartError struct {
	Command []string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("cannot start application %v: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// State tracks where the controller is in its run
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateSyncing    State = "syncing"
	StateReleasing  State = "releasing"
	StateLaunching  State = "launching"
	StateTerminated State = "terminated"
)

// validTransitions maps from-state to allowed to-states. Acquiring and
// Syncing both transition to Releasing on failure: the medium is released
// on every path.
var validTransitions = map[State]map[State]bool{
	StateIdle:       {StateAcquiring: true},
	StateAcquiring:  {StateSyncing: true, StateReleasing: true},
	StateSyncing:    {StateReleasing: true},
	StateReleasing:  {StateLaunching: true},
	StateLaunching:  {StateTerminated: true},
	StateTerminated: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Controller runs the acquire → sync → release → launch sequence
type Controller struct {
	cfg     *config.Config
	mounts  *mount.Manager
	repos   *repo.Coordinator
	runner  elevate.Runner
	metrics *metrics.Recorder
	log     *logging.Logger

	state State

	getwd func() (string, error)
	chdir func(string) error
}

// New creates a controller. The runner is used only for the application
// launch; the mount manager carries its own.
func New(cfg *config.Config, mounts *mount.Manager, repos *repo.Coordinator,
	runner elevate.Runner, rec *metrics.Recorder, log *logging.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		mounts:  mounts,
		repos:   repos,
		runner:  runner,
		metrics: rec,
		log:     log,
		state:   StateIdle,
		getwd:   os.Getwd,
		chdir:   os.Chdir,
	}
}

// State returns the controller's current state
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) to(next State) {
	if err := ValidateTransition(c.state, next); err != nil {
		// A bad transition is a controller bug, not a run failure
		c.log.Warn("Unexpected state transition", map[string]interface{}{"error": err.Error()})
	}
	c.log.Debug("State transition", map[string]interface{}{
		"from": string(c.state),
		"to":   string(next),
	})
	c.state = next
}

// Run performs one complete run: sync pass, then launch. The returned error
// is non-nil only for a *StartError; every other failure is logged and the
// run proceeds.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	c.metrics.RecordRun()
	c.logHostInfo()

	c.SyncPass(ctx)

	if err := c.metrics.Flush(); err != nil {
		c.log.Warn("Failed to write metrics textfile", map[string]interface{}{"error": err.Error()})
	}

	c.to(StateLaunching)
	outcome, err := c.launch(ctx)
	c.to(StateTerminated)
	if err != nil {
		return Outcome{}, err
	}

	c.log.Info("Application terminated", map[string]interface{}{
		"exit_code": outcome.ExitCode,
		"crashed":   outcome.Crashed,
	})
	c.metrics.RecordLaunch(outcome.ExitCode, outcome.Crashed)
	if err := c.metrics.Flush(); err != nil {
		c.log.Warn("Failed to write metrics textfile", map[string]interface{}{"error": err.Error()})
	}
	return outcome, nil
}

// SyncPass acquires the medium, updates every configured repository, and
// releases the medium. Release is attempted exactly once whenever acquire
// was attempted, including when acquire itself failed (a no-op release).
// All failures are soft; the returned results carry the per-repo outcomes.
func (c *Controller) SyncPass(ctx context.Context) []repo.Result {
	c.to(StateAcquiring)

	medium, acqErr := c.mounts.Acquire(ctx)
	defer func() {
		c.to(StateReleasing)
		if err := c.mounts.Release(ctx, medium); err != nil {
			c.metrics.RecordUnmountError()
			c.log.Error("Failed to release medium", map[string]interface{}{"error": err.Error()})
		}
	}()

	if acqErr != nil {
		kind := mount.KindUnknown
		var mountErr *mount.MountError
		if errors.As(acqErr, &mountErr) {
			kind = mountErr.Kind
		}
		c.metrics.RecordMountError(kind.String())
		c.log.Warn("No update medium available, continuing with code on disk", map[string]interface{}{
			"error": acqErr.Error(),
		})
		return nil
	}

	c.to(StateSyncing)
	results := c.repos.SyncAll(ctx, medium)
	for _, r := range results {
		c.metrics.RecordSyncResult(r.Entry.Name, r.Status.String())
	}
	c.logSyncSummary(results)
	return results
}

func (c *Controller) logSyncSummary(results []repo.Result) {
	var ok, failed int
	for _, r := range results {
		if r.Status == repo.StatusSuccess {
			ok++
		} else {
			failed++
		}
	}
	c.log.Info("Sync pass complete", map[string]interface{}{
		"repos":   len(results),
		"updated": ok,
		"failed":  failed,
	})
}

// launch starts the main application from its home directory and waits for
// it to terminate. The working directory is saved before the chdir and
// restored on every exit path.
func (c *Controller) launch(ctx context.Context) (Outcome, error) {
	origDir, err := c.getwd()
	if err != nil {
		c.log.Warn("Could not read working directory", map[string]interface{}{"error": err.Error()})
		origDir = ""
	}

	if err := c.chdir(c.cfg.App.Dir); err != nil {
		return Outcome{}, &StartError{Command: c.cfg.App.Command, Err: err}
	}
	defer func() {
		if origDir == "" {
			return
		}
		if err := c.chdir(origDir); err != nil {
			c.log.Warn("Could not restore working directory", map[string]interface{}{"error": err.Error()})
		}
	}()

	name := c.cfg.App.Command[0]
	args := c.cfg.App.Command[1:]
	cmd := c.runner.Command(ctx, name, args...)

	// Own process group: the application must not die with the launcher
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	c.log.Info("Launching application", map[string]interface{}{
		"command": c.cfg.App.Command,
		"dir":     c.cfg.App.Dir,
	})

	if err := cmd.Start(); err != nil {
		return Outcome{}, &StartError{Command: c.cfg.App.Command, Err: err}
	}

	err = cmd.Wait()
	if err == nil {
		return Outcome{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Wait itself failed; the process never produced an exit status
		return Outcome{}, &StartError{Command: c.cfg.App.Command, Err: err}
	}

	outcome := Outcome{ExitCode: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		outcome.Crashed = true
		outcome.ExitCode = 128 + int(ws.Signal())
	}
	return outcome, nil
}

func (c *Controller) logHostInfo() {
	info, err := host.Info()
	if err != nil {
		c.log.Debug("Host info unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	c.log.Info("Host", map[string]interface{}{
		"hostname": info.Hostname,
		"platform": fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion),
		"uptime_s": info.Uptime,
	})
}
