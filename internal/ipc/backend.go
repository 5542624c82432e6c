package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winrun/winrun/internal/control"
	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/provision"
	"github.com/winrun/winrun/internal/vm"
)

// ErrGuestUnavailable is returned for guest-bound operations while the
// control channel is down.
var ErrGuestUnavailable = errors.New("guest agent unavailable")

// GuestChannel is the slice of the control channel the backend needs.
type GuestChannel interface {
	Connected() bool
	ListSessions(ctx context.Context) ([]protocol.GuestSession, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListShortcuts(ctx context.Context) ([]protocol.WindowsShortcut, error)
	LaunchProgram(ctx context.Context, windowsPath string, args []string, workingDir string) error
}

// Coordinator is the slice of the provisioning coordinator the backend
// needs.
type Coordinator interface {
	StartProvisioning(ctx context.Context, cfg provision.Config) provision.Result
	Cancel()
	Rollback() (*provision.RollbackResult, error)
}

// ControlBackend implements Backend over the control channel, the
// provisioning coordinator, and the VM façade. It also acts as the
// coordinator's delegate so active provisioning requests can stream
// progress to their IPC client.
type ControlBackend struct {
	channel     GuestChannel
	coordinator Coordinator
	facade      vm.Facade

	dataDir      string
	diskSizeGB   int
	guestTimeout time.Duration

	lastHeartbeat atomic.Int64

	mu             sync.Mutex
	activeProgress func(ProvisioningProgress)
}

// NewControlBackend wires the backend.
func NewControlBackend(channel GuestChannel, coordinator Coordinator, facade vm.Facade, dataDir string, diskSizeGB int, guestTimeout time.Duration) *ControlBackend {
	return &ControlBackend{
		channel:      channel,
		coordinator:  coordinator,
		facade:       facade,
		dataDir:      dataDir,
		diskSizeGB:   diskSizeGB,
		guestTimeout: guestTimeout,
	}
}

// SetCoordinator attaches the provisioning coordinator. The backend and
// coordinator reference each other (the backend is the coordinator's
// delegate), so one side binds after construction.
func (b *ControlBackend) SetCoordinator(c Coordinator) {
	b.coordinator = c
}

// NoteHeartbeat records a guest heartbeat; the daemon calls it from the
// control channel delegate.
func (b *ControlBackend) NoteHeartbeat() {
	b.lastHeartbeat.Store(time.Now().Unix())
}

// DiskImagePath is where the backend provisions the Windows disk.
func (b *ControlBackend) DiskImagePath() string {
	return filepath.Join(b.dataDir, "WinRun", "windows.img")
}

// VMStatus implements Backend.
func (b *ControlBackend) VMStatus(ctx context.Context) (*VMStatusResponse, error) {
	info, err := b.facade.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying VM facade: %w", err)
	}

	resp := &VMStatusResponse{
		Status:             string(info.Status),
		UptimeSeconds:      int64(info.Uptime.Seconds()),
		LastGuestHeartbeat: b.lastHeartbeat.Load(),
	}
	if b.channel.Connected() {
		if sessions, err := b.channel.ListSessions(ctx); err == nil {
			resp.ActiveSessions = len(sessions)
		}
	}
	return resp, nil
}

// LaunchProgram implements Backend.
func (b *ControlBackend) LaunchProgram(ctx context.Context, req *LaunchProgramRequest) error {
	if !b.channel.Connected() {
		return ErrGuestUnavailable
	}
	return b.channel.LaunchProgram(ctx, req.WindowsPath, req.Arguments, req.WorkingDirectory)
}

// ListSessions implements Backend.
func (b *ControlBackend) ListSessions(ctx context.Context) (*SessionListResponse, error) {
	if !b.channel.Connected() {
		return nil, ErrGuestUnavailable
	}
	sessions, err := b.channel.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	resp := &SessionListResponse{}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, GuestSessionInfo{
			SessionID:   s.SessionID,
			ProgramPath: s.ProgramPath,
			WindowIDs:   s.WindowIDs,
		})
	}
	return resp, nil
}

// CloseSession implements Backend.
func (b *ControlBackend) CloseSession(ctx context.Context, sessionID string) error {
	if !b.channel.Connected() {
		return ErrGuestUnavailable
	}
	return b.channel.CloseSession(ctx, sessionID)
}

// ListShortcuts implements Backend.
func (b *ControlBackend) ListShortcuts(ctx context.Context) (*ShortcutListResponse, error) {
	if !b.channel.Connected() {
		return nil, ErrGuestUnavailable
	}
	shortcuts, err := b.channel.ListShortcuts(ctx)
	if err != nil {
		return nil, err
	}
	resp := &ShortcutListResponse{}
	for _, sc := range shortcuts {
		resp.Shortcuts = append(resp.Shortcuts, ShortcutInfo{
			Name:       sc.Name,
			TargetPath: sc.TargetPath,
			Arguments:  sc.Arguments,
			IconPath:   sc.IconPath,
		})
	}
	return resp, nil
}

// SyncShortcuts implements Backend: it resolves the requested Windows
// paths against the guest catalog and writes launcher stubs under the
// data dir.
func (b *ControlBackend) SyncShortcuts(ctx context.Context, req *SyncShortcutsRequest) (*SyncShortcutsResponse, error) {
	if !b.channel.Connected() {
		return nil, ErrGuestUnavailable
	}
	catalog, err := b.channel.ListShortcuts(ctx)
	if err != nil {
		return nil, err
	}

	byTarget := make(map[string]protocol.WindowsShortcut, len(catalog))
	for _, sc := range catalog {
		byTarget[strings.ToLower(sc.TargetPath)] = sc
	}

	launcherDir := filepath.Join(b.dataDir, "launchers")
	if err := os.MkdirAll(launcherDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating launcher directory: %w", err)
	}

	resp := &SyncShortcutsResponse{}
	for _, path := range req.WindowsPaths {
		sc, found := byTarget[strings.ToLower(path)]
		if !found {
			resp.Failed++
			continue
		}
		launcherPath := filepath.Join(launcherDir, launcherFileName(sc.Name))
		if _, err := os.Stat(launcherPath); err == nil {
			resp.Skipped++
			resp.LauncherPaths = append(resp.LauncherPaths, launcherPath)
			continue
		}
		manifest := fmt.Sprintf("name=%s\ntarget=%s\narguments=%s\n", sc.Name, sc.TargetPath, sc.Arguments)
		if err := os.WriteFile(launcherPath, []byte(manifest), 0o644); err != nil {
			resp.Failed++
			continue
		}
		resp.Created++
		resp.LauncherPaths = append(resp.LauncherPaths, launcherPath)
	}
	return resp, nil
}

// launcherFileName sanitizes a shortcut name into a launcher filename.
func launcherFileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	return safe + ".winrun"
}

// StartProvisioning implements Backend.
func (b *ControlBackend) StartProvisioning(ctx context.Context, req *ProvisioningRequest, progress func(ProvisioningProgress)) (*ProvisioningResult, error) {
	sizeGB := req.DiskSizeGB
	if sizeGB == 0 {
		sizeGB = b.diskSizeGB
	}

	b.mu.Lock()
	b.activeProgress = progress
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.activeProgress = nil
		b.mu.Unlock()
	}()

	result := b.coordinator.StartProvisioning(ctx, provision.Config{
		ISOPath:       req.ISOPath,
		DiskImagePath: b.DiskImagePath(),
		DiskSizeGB:    sizeGB,
		GuestTimeout:  b.guestTimeout,
	})

	resp := &ProvisioningResult{
		Success:         result.Success,
		FinalPhase:      string(result.FinalPhase),
		DurationSeconds: result.DurationSeconds,
		DiskUsageBytes:  result.DiskUsageBytes,
		WindowsVersion:  result.WindowsVersion,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp, nil
}

// CancelProvisioning implements Backend.
func (b *ControlBackend) CancelProvisioning(context.Context) error {
	b.coordinator.Cancel()
	return nil
}

// RollbackProvisioning implements Backend.
func (b *ControlBackend) RollbackProvisioning(context.Context) (*RollbackResponse, error) {
	res, err := b.coordinator.Rollback()
	if err != nil {
		return nil, err
	}
	resp := &RollbackResponse{FreedBytes: res.FreedBytes}
	if res.CaptureErr != nil {
		resp.Error = res.CaptureErr.Error()
	}
	return resp, nil
}

// --- provision.Delegate ---

// ProvisioningDidUpdateProgress forwards coordinator progress to the
// active IPC request, if any.
func (b *ControlBackend) ProvisioningDidUpdateProgress(overall float64, phase provision.Phase, message string) {
	b.mu.Lock()
	progress := b.activeProgress
	b.mu.Unlock()
	if progress != nil {
		progress(ProvisioningProgress{OverallProgress: overall, Phase: string(phase), Message: message})
	}
}

// ProvisioningDidComplete implements provision.Delegate; the final
// result travels back as the request's OpResult frame instead.
func (b *ControlBackend) ProvisioningDidComplete(provision.Result) {}

// Compile-time wiring checks.
var (
	_ Backend            = (*ControlBackend)(nil)
	_ provision.Delegate = (*ControlBackend)(nil)
	_ GuestChannel       = (*control.Channel)(nil)
)
