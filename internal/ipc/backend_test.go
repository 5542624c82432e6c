package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/provision"
	"github.com/winrun/winrun/internal/vm"
)

type fakeChannel struct {
	connected bool
	shortcuts []protocol.WindowsShortcut
	sessions  []protocol.GuestSession
	launched  []string
}

func (c *fakeChannel) Connected() bool { return c.connected }

func (c *fakeChannel) ListSessions(ctx context.Context) ([]protocol.GuestSession, error) {
	return c.sessions, nil
}

func (c *fakeChannel) CloseSession(ctx context.Context, sessionID string) error { return nil }

func (c *fakeChannel) ListShortcuts(ctx context.Context) ([]protocol.WindowsShortcut, error) {
	return c.shortcuts, nil
}

func (c *fakeChannel) LaunchProgram(ctx context.Context, windowsPath string, args []string, workingDir string) error {
	c.launched = append(c.launched, windowsPath)
	return nil
}

type fakeCoordinator struct {
	mu        sync.Mutex
	cancelled bool
	result    provision.Result
	delegate  provision.Delegate
}

func (c *fakeCoordinator) StartProvisioning(ctx context.Context, cfg provision.Config) provision.Result {
	if c.delegate != nil {
		c.delegate.ProvisioningDidUpdateProgress(0.5, provision.PhaseInstallingWindows, "installing")
	}
	return c.result
}

func (c *fakeCoordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *fakeCoordinator) Rollback() (*provision.RollbackResult, error) {
	return &provision.RollbackResult{FreedBytes: 4096}, nil
}

func TestBackendGuestUnavailable(t *testing.T) {
	b := NewControlBackend(&fakeChannel{connected: false}, &fakeCoordinator{}, vm.UnavailableFacade{}, t.TempDir(), 64, time.Minute)

	if err := b.LaunchProgram(context.Background(), &LaunchProgramRequest{WindowsPath: `C:\x.exe`}); !errors.Is(err, ErrGuestUnavailable) {
		t.Errorf("LaunchProgram err = %v", err)
	}
	if _, err := b.ListSessions(context.Background()); !errors.Is(err, ErrGuestUnavailable) {
		t.Errorf("ListSessions err = %v", err)
	}
	if _, err := b.SyncShortcuts(context.Background(), &SyncShortcutsRequest{}); !errors.Is(err, ErrGuestUnavailable) {
		t.Errorf("SyncShortcuts err = %v", err)
	}
}

func TestBackendSyncShortcuts(t *testing.T) {
	dataDir := t.TempDir()
	channel := &fakeChannel{
		connected: true,
		shortcuts: []protocol.WindowsShortcut{
			{Name: "Notepad", TargetPath: `C:\Windows\notepad.exe`},
			{Name: "Paint", TargetPath: `C:\Windows\mspaint.exe`},
		},
	}
	b := NewControlBackend(channel, &fakeCoordinator{}, vm.UnavailableFacade{}, dataDir, 64, time.Minute)

	resp, err := b.SyncShortcuts(context.Background(), &SyncShortcutsRequest{
		WindowsPaths: []string{
			`C:\Windows\notepad.exe`,
			`c:\windows\mspaint.exe`, // case-insensitive match
			`C:\Missing\gone.exe`,
		},
	})
	if err != nil {
		t.Fatalf("SyncShortcuts: %v", err)
	}
	if resp.Created != 2 || resp.Failed != 1 || resp.Skipped != 0 {
		t.Errorf("resp = %+v", resp)
	}
	for _, p := range resp.LauncherPaths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("launcher %s missing: %v", p, err)
		}
	}

	// Second sync skips existing launchers.
	resp, err = b.SyncShortcuts(context.Background(), &SyncShortcutsRequest{
		WindowsPaths: []string{`C:\Windows\notepad.exe`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Skipped != 1 || resp.Created != 0 {
		t.Errorf("second sync = %+v", resp)
	}
}

func TestBackendStreamsCoordinatorProgress(t *testing.T) {
	coordinator := &fakeCoordinator{
		result: provision.Result{Success: true, FinalPhase: provision.PhaseComplete, DurationSeconds: 2},
	}
	b := NewControlBackend(&fakeChannel{connected: true}, coordinator, vm.UnavailableFacade{}, t.TempDir(), 64, time.Minute)
	coordinator.delegate = b

	var got []ProvisioningProgress
	resp, err := b.StartProvisioning(context.Background(), &ProvisioningRequest{ISOPath: "/tmp/iso.iso"}, func(p ProvisioningProgress) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("StartProvisioning: %v", err)
	}
	if !resp.Success || resp.FinalPhase != string(provision.PhaseComplete) {
		t.Errorf("resp = %+v", resp)
	}
	if len(got) != 1 || got[0].Phase != string(provision.PhaseInstallingWindows) {
		t.Errorf("progress = %+v", got)
	}

	// After the run, delegate updates go nowhere (no active request).
	b.ProvisioningDidUpdateProgress(0.9, provision.PhaseCreatingSnapshot, "late")
	if len(got) != 1 {
		t.Error("progress delivered outside an active request")
	}
}

func TestBackendDiskImagePath(t *testing.T) {
	dataDir := t.TempDir()
	b := NewControlBackend(&fakeChannel{}, &fakeCoordinator{}, vm.UnavailableFacade{}, dataDir, 64, time.Minute)
	want := filepath.Join(dataDir, "WinRun", "windows.img")
	if got := b.DiskImagePath(); got != want {
		t.Errorf("DiskImagePath = %s, want %s", got, want)
	}
}
