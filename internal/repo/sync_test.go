package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stagecue/cuehost/internal/config"
	"github.com/stagecue/cuehost/internal/mount"
	"github.com/stagecue/cuehost/pkg/logging"
)

// fakePuller records pull calls and fails the repos listed in failing
type fakePuller struct {
	calls   []string
	remotes []string
	failing map[string]error
}

func (f *fakePuller) Pull(ctx context.Context, localPath, remotePath string) (string, error) {
	f.calls = append(f.calls, localPath)
	f.remotes = append(f.remotes, remotePath)
	if err, ok := f.failing[localPath]; ok {
		return "", err
	}
	return "Already up to date.", nil
}

// makeCheckout creates a directory that passes the checkout test
func makeCheckout(t *testing.T, root, name string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.ERROR, false)
}

func testMedium() *mount.Medium {
	return &mount.Medium{DevicePath: "/dev/sda1", MountPoint: "/media/usb"}
}

func TestSyncAllBothPresent(t *testing.T) {
	root := t.TempDir()
	server := makeCheckout(t, root, "Server")
	node := makeCheckout(t, root, "Node")

	c := NewCoordinator([]config.RepoConfig{
		{Name: "Server", Path: server},
		{Name: "Node", Path: node},
	}, 0, testLogger())
	puller := &fakePuller{}
	c.SetPuller(puller)

	results := c.SyncAll(context.Background(), testMedium())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, want := range []Status{StatusSuccess, StatusSuccess} {
		if results[i].Status != want {
			t.Errorf("result %d: got %s, want %s", i, results[i].Status, want)
		}
	}
}

func TestSyncAllMissingRepoDoesNotStopBatch(t *testing.T) {
	root := t.TempDir()
	node := makeCheckout(t, root, "Node")
	missing := filepath.Join(root, "Server")

	c := NewCoordinator([]config.RepoConfig{
		{Name: "Server", Path: missing},
		{Name: "Node", Path: node},
	}, 0, testLogger())
	puller := &fakePuller{}
	c.SetPuller(puller)

	results := c.SyncAll(context.Background(), testMedium())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != StatusNotFound {
		t.Errorf("Server: got %s, want %s", results[0].Status, StatusNotFound)
	}
	if results[1].Status != StatusSuccess {
		t.Errorf("Node: got %s, want %s", results[1].Status, StatusSuccess)
	}
	if len(puller.calls) != 1 || puller.calls[0] != node {
		t.Errorf("expected exactly one pull for Node, got %v", puller.calls)
	}
}

func TestSyncAllPullFailureIsIsolated(t *testing.T) {
	root := t.TempDir()
	server := makeCheckout(t, root, "Server")
	node := makeCheckout(t, root, "Node")

	c := NewCoordinator([]config.RepoConfig{
		{Name: "Server", Path: server},
		{Name: "Node", Path: node},
	}, 0, testLogger())
	puller := &fakePuller{failing: map[string]error{
		server: fmt.Errorf("git pull: exit status 1 (stderr: fatal: not possible to fast-forward)"),
	}}
	c.SetPuller(puller)

	results := c.SyncAll(context.Background(), testMedium())
	if results[0].Status != StatusPullFailed {
		t.Errorf("Server: got %s, want %s", results[0].Status, StatusPullFailed)
	}
	if results[0].Detail == "" {
		t.Error("pull failure should carry the diagnostic in Detail")
	}
	if results[1].Status != StatusSuccess {
		t.Errorf("Node must still be attempted, got %s", results[1].Status)
	}
	if len(puller.calls) != 2 {
		t.Errorf("expected both repos pulled, got %v", puller.calls)
	}
}

func TestSyncAllResultCountAndOrder(t *testing.T) {
	root := t.TempDir()
	var cfgs []config.RepoConfig
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("repo%d", i)
		path := filepath.Join(root, name)
		if i%2 == 0 {
			path = makeCheckout(t, root, name)
		}
		cfgs = append(cfgs, config.RepoConfig{Name: name, Path: path})
	}

	c := NewCoordinator(cfgs, 0, testLogger())
	c.SetPuller(&fakePuller{})

	results := c.SyncAll(context.Background(), testMedium())
	if len(results) != len(cfgs) {
		t.Fatalf("expected %d results, got %d", len(cfgs), len(results))
	}
	for i, r := range results {
		if r.Entry.Name != cfgs[i].Name {
			t.Errorf("result %d out of order: got %s, want %s", i, r.Entry.Name, cfgs[i].Name)
		}
	}
}

func TestSyncAllRemotePathOnMedium(t *testing.T) {
	root := t.TempDir()
	server := makeCheckout(t, root, "Server")

	c := NewCoordinator([]config.RepoConfig{{Name: "Server", Path: server}}, 0, testLogger())
	puller := &fakePuller{}
	c.SetPuller(puller)

	c.SyncAll(context.Background(), testMedium())
	if len(puller.remotes) != 1 || puller.remotes[0] != "/media/usb/Server" {
		t.Errorf("expected pull from /media/usb/Server, got %v", puller.remotes)
	}
}

func TestIsCheckout(t *testing.T) {
	root := t.TempDir()

	if isCheckout(filepath.Join(root, "nope")) {
		t.Error("missing path must not be a checkout")
	}

	plain := filepath.Join(root, "plain")
	os.MkdirAll(plain, 0755)
	if isCheckout(plain) {
		t.Error("directory without .git must not be a checkout")
	}

	if !isCheckout(makeCheckout(t, root, "repo")) {
		t.Error("directory with .git must be a checkout")
	}

	// worktrees have a .git file instead of a directory
	wt := filepath.Join(root, "worktree")
	os.MkdirAll(wt, 0755)
	os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: elsewhere"), 0644)
	if !isCheckout(wt) {
		t.Error("worktree with .git file must be a checkout")
	}
}
