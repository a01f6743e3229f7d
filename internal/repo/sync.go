// Package repo updates the local code checkouts from the mounted medium.
// Each configured repository is pulled independently and in order; one
// repository failing never stops the ones after it.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/internal/mount"
	"github.com/stagecue/cuehost/pkg/logging"
)

// Status is the per-repository outcome of a sync pass
type Status int

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusPullFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusPullFailed:
		return "pull_failed"
	default:
		return "unknown"
	}
}

// Entry names one checkout to synchronize. Order of entries is significant
// and preserved end to end.
type Entry struct {
	Name      string
	LocalPath string
}

// Result records the outcome for one Entry. Exactly one Result is produced
// per Entry per sync pass; failed entries are never retried within a pass.
type Result struct {
	Entry  Entry
	Status Status
	Detail string
}

// Puller performs the fetch-and-integrate primitive. Swapped in tests.
type Puller interface {
	Pull(ctx context.Context, localPath, remotePath string) (string, error)
}

type gitPuller struct{}

// NewGitPuller returns a Puller backed by the git CLI
func NewGitPuller() Puller {
	return gitPuller{}
}

// Pull runs "git -C <localPath> pull --ff-only <remotePath>". Stderr is
// captured and folded into the error because git writes both progress and
// diagnostics there. --ff-only makes a diverged or conflicted tree fail the
// command instead of leaving a merge in progress on an unattended host.
func (gitPuller) Pull(ctx context.Context, localPath, remotePath string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "-C", localPath, "pull", "--ff-only", remotePath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git pull %s in %s: %w (stderr: %s)",
			remotePath, localPath, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Coordinator runs the sync pass over the configured repositories
type Coordinator struct {
	repos       []Entry
	puller      Puller
	pullTimeout time.Duration
	log         *logging.Logger
}

// NewCoordinator creates a sync coordinator. pullTimeout zero disables the
// per-pull bound.
func NewCoordinator(repos []config.RepoConfig, pullTimeout time.Duration, log *logging.Logger) *Coordinator {
	entries := make([]Entry, 0, len(repos))
	for _, r := range repos {
		entries = append(entries, Entry{Name: r.Name, LocalPath: r.Path})
	}
	return &Coordinator{
		repos:       entries,
		puller:      NewGitPuller(),
		pullTimeout: pullTimeout,
		log:         log,
	}
}

// SetPuller replaces the pull primitive, for tests
func (c *Coordinator) SetPuller(p Puller) {
	c.puller = p
}

// Repos returns the configured entries in order
func (c *Coordinator) Repos() []Entry {
	return c.repos
}

// SyncAll pulls every configured repository from the mounted medium.
// Returns exactly one Result per entry, in input order, no matter how many
// individual pulls fail. The medium must already be acquired; SyncAll never
// mounts or releases it.
func (c *Coordinator) SyncAll(ctx context.Context, medium *mount.Medium) []Result {
	results := make([]Result, 0, len(c.repos))
	for _, entry := range c.repos {
		results = append(results, c.syncOne(ctx, entry, medium))
	}
	return results
}

func (c *Coordinator) syncOne(ctx context.Context, entry Entry, medium *mount.Medium) Result {
	log := c.log.WithField("repo", entry.Name)

	if !isCheckout(entry.LocalPath) {
		log.Warn("Checkout missing, skipping", map[string]interface{}{"path": entry.LocalPath})
		return Result{
			Entry:  entry,
			Status: StatusNotFound,
			Detail: fmt.Sprintf("%s is not a git checkout", entry.LocalPath),
		}
	}

	pullCtx := ctx
	if c.pullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, c.pullTimeout)
		defer cancel()
	}

	remotePath := filepath.Join(medium.MountPoint, entry.Name)
	out, err := c.puller.Pull(pullCtx, entry.LocalPath, remotePath)
	if err != nil {
		log.Error("Pull failed", map[string]interface{}{"error": err.Error()})
		return Result{Entry: entry, Status: StatusPullFailed, Detail: err.Error()}
	}

	log.Info("Pull complete", map[string]interface{}{"output": out})
	return Result{Entry: entry, Status: StatusSuccess, Detail: out}
}

// isCheckout reports whether path looks like a git working tree
func isCheckout(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	// .git is a directory in a normal clone and a file in a worktree
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return false
	}
	return true
}
