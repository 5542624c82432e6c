package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winrun/winrun/internal/iso"
	"github.com/winrun/winrun/internal/vm"
)

// Config is one provisioning request.
type Config struct {
	ISOPath       string
	DiskImagePath string
	DiskSizeGB    int
	// FloppyPath optionally attaches an autounattend floppy image.
	FloppyPath   string
	GuestTimeout time.Duration
}

// DefaultGuestTimeout bounds the post-install guest protocol.
const DefaultGuestTimeout = 30 * time.Minute

// Context carries the state accumulated across phases of one run.
type Context struct {
	ISOPath        string
	DiskImagePath  string
	ISOValidation  *iso.Result
	DiskResult     *DiskResult
	WindowsVersion string
	AgentVersion   string
	DiskUsageBytes uint64
	StartedAt      time.Time
}

// Result is the outcome of one provisioning run.
type Result struct {
	Success         bool
	FinalPhase      Phase
	Err             error
	DurationSeconds float64
	DiskUsageBytes  uint64
	WindowsVersion  string
	AgentVersion    string
}

// RollbackResult reports a rollback. Deletion errors are captured here,
// never thrown.
type RollbackResult struct {
	FreedBytes int64
	CaptureErr error
}

// Delegate observes a provisioning run.
type Delegate interface {
	ProvisioningDidUpdateProgress(overall float64, phase Phase, message string)
	ProvisioningDidComplete(result Result)
}

// NopDelegate implements Delegate with no-ops.
type NopDelegate struct{}

func (NopDelegate) ProvisioningDidUpdateProgress(float64, Phase, string) {}
func (NopDelegate) ProvisioningDidComplete(Result)                       {}

// ISOValidator is the validation dependency.
type ISOValidator interface {
	Validate(ctx context.Context, path string) (*iso.Result, error)
}

// DiskCreator is the disk dependency.
type DiskCreator interface {
	CreateDisk(path string, sizeGB int) (*DiskResult, error)
	DeleteDisk(path string) (int64, error)
}

// Coordinator owns the provisioning phase machine. All state mutates
// under its mutex; the pipeline itself runs in the caller's goroutine.
type Coordinator struct {
	validator ISOValidator
	disks     DiskCreator
	facade    vm.Facade
	source    GuestEventSource
	delegate  Delegate
	logger    *slog.Logger

	// simStepInterval paces the simulated progression used when no
	// guest event source is attached.
	simStepInterval time.Duration

	mu         sync.Mutex
	state      State
	lastConfig *Config
	pctx       *Context
	lastError  error
	runCancel  context.CancelFunc

	cancelRequested atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGuestEventSource attaches the control-channel event source. When
// absent, a deterministic simulated progression is substituted.
func WithGuestEventSource(source GuestEventSource) Option {
	return func(c *Coordinator) { c.source = source }
}

// WithSimulationInterval tunes the simulated progression pace.
func WithSimulationInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.simStepInterval = d }
}

// NewCoordinator creates a coordinator in the idle phase.
func NewCoordinator(validator ISOValidator, disks DiskCreator, facade vm.Facade, delegate Delegate, logger *slog.Logger, opts ...Option) *Coordinator {
	if delegate == nil {
		delegate = NopDelegate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		validator:       validator,
		disks:           disks,
		facade:          facade,
		delegate:        delegate,
		logger:          logger,
		simStepInterval: 250 * time.Millisecond,
		state:           State{Phase: PhaseIdle, EnteredAt: time.Now()},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentState returns a snapshot of the observable state.
func (c *Coordinator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error of the most recent failed run.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// CanRetry reports whether Retry is currently legal.
func (c *Coordinator) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase == PhaseFailed || c.state.Phase == PhaseCancelled
}

// CanRollback reports whether Rollback is currently legal.
func (c *Coordinator) CanRollback() bool {
	return c.CanRetry()
}

// transition moves the machine to next, rejecting moves outside the
// transition table.
func (c *Coordinator) transition(next Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state.Phase, next) {
		return &TransitionError{From: c.state.Phase, To: next}
	}
	c.logger.Info("provisioning phase", "from", c.state.Phase, "to", next)
	c.state = State{Phase: next, EnteredAt: time.Now()}
	return nil
}

// emitProgress publishes phase-local progress to the delegate as
// overall progress.
func (c *Coordinator) emitProgress(progress float64, message string) {
	c.mu.Lock()
	phase := c.state.Phase
	c.state.PhaseProgress = progress
	c.state.Message = message
	c.mu.Unlock()
	c.delegate.ProvisioningDidUpdateProgress(OverallProgress(phase, progress), phase, message)
}

func (c *Coordinator) checkCancel() error {
	if c.cancelRequested.Load() {
		return ErrCancelled
	}
	return nil
}

// StartProvisioning runs the full pipeline synchronously: validate →
// disk → install → post-install → snapshot. On return the phase is
// terminal and the delegate has received exactly one
// ProvisioningDidComplete.
func (c *Coordinator) StartProvisioning(ctx context.Context, cfg Config) Result {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		current := c.state.Phase
		c.mu.Unlock()
		return Result{
			Success:    false,
			FinalPhase: current,
			Err:        &TransitionError{From: current, To: PhaseValidatingISO},
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	cfgCopy := cfg
	c.lastConfig = &cfgCopy
	pc := &Context{ISOPath: cfg.ISOPath, DiskImagePath: cfg.DiskImagePath, StartedAt: time.Now()}
	c.pctx = pc
	c.lastError = nil
	c.mu.Unlock()

	c.cancelRequested.Store(false)
	defer cancel()

	err := c.runPhases(runCtx, cfg, pc)

	result := Result{
		Success:         err == nil,
		FinalPhase:      PhaseComplete,
		DurationSeconds: time.Since(pc.StartedAt).Seconds(),
		DiskUsageBytes:  pc.DiskUsageBytes,
		WindowsVersion:  pc.WindowsVersion,
		AgentVersion:    pc.AgentVersion,
	}

	if err != nil {
		terminal := PhaseFailed
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			terminal = PhaseCancelled
			err = ErrCancelled
		}
		if terr := c.transition(terminal); terr != nil {
			c.logger.Error("terminal transition rejected", "error", terr)
		}
		c.mu.Lock()
		c.state.Err = err
		c.lastError = err
		c.mu.Unlock()
		result.FinalPhase = terminal
		result.Err = err
	}

	c.delegate.ProvisioningDidComplete(result)
	return result
}

func (c *Coordinator) runPhases(ctx context.Context, cfg Config, pc *Context) error {
	phases := []struct {
		phase Phase
		run   func(context.Context, Config, *Context) error
	}{
		{PhaseValidatingISO, c.runValidate},
		{PhaseCreatingDisk, c.runCreateDisk},
		{PhaseInstallingWindows, c.runInstall},
		{PhasePostInstall, c.runPostInstall},
		{PhaseCreatingSnapshot, c.runSnapshot},
	}

	for _, p := range phases {
		if err := c.checkCancel(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.transition(p.phase); err != nil {
			return err
		}
		c.emitProgress(0, "")
		if err := p.run(ctx, cfg, pc); err != nil {
			return err
		}
		c.emitProgress(1, "")
	}
	return c.transition(PhaseComplete)
}

func (c *Coordinator) runValidate(ctx context.Context, cfg Config, pc *Context) error {
	if cfg.ISOPath == "" {
		return &ConfigError{Reason: "isoPath is empty"}
	}
	if cfg.DiskImagePath == "" {
		return &ConfigError{Reason: "diskImagePath is empty"}
	}
	if cfg.DiskSizeGB < MinDiskSizeGB || cfg.DiskSizeGB > MaxDiskSizeGB {
		return &ConfigError{Reason: fmt.Sprintf("disk size %d GB not in [%d, %d]", cfg.DiskSizeGB, MinDiskSizeGB, MaxDiskSizeGB)}
	}

	res, err := c.validator.Validate(ctx, cfg.ISOPath)
	if err != nil {
		return err
	}
	pc.ISOValidation = res
	if !res.IsUsable {
		return fmt.Errorf("%w: %s image cannot run on this host", ErrISOUnusable, res.Info.Architecture)
	}
	c.emitProgress(0.9, fmt.Sprintf("validated %s", res.Info.DisplayName))
	return nil
}

func (c *Coordinator) runCreateDisk(_ context.Context, cfg Config, pc *Context) error {
	res, err := c.disks.CreateDisk(cfg.DiskImagePath, cfg.DiskSizeGB)
	if err != nil {
		return err
	}
	pc.DiskResult = res
	return nil
}

func (c *Coordinator) runInstall(ctx context.Context, cfg Config, pc *Context) error {
	spec := vm.ProvisioningSpec(cfg.DiskImagePath, cfg.ISOPath, cfg.FloppyPath)
	if err := spec.Validate(); err != nil {
		return &ConfigError{Reason: err.Error()}
	}
	c.emitProgress(0.05, "booting Windows installer")
	if err := c.facade.Start(ctx, spec); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) runPostInstall(ctx context.Context, cfg Config, pc *Context) error {
	timeout := cfg.GuestTimeout
	if timeout == 0 {
		timeout = DefaultGuestTimeout
	}

	source := c.source
	if source == nil {
		source = NewSimulatedEventSource(c.simStepInterval)
	}

	onProgress := func(phaseProgress float64, message string) {
		c.emitProgress(phaseProgress, message)
	}

	complete, err := watchPostInstall(ctx, source, timeout, c.cancelRequested.Load, onProgress, c.logger)
	if err != nil {
		return err
	}
	pc.WindowsVersion = complete.WindowsVersion
	pc.AgentVersion = complete.AgentVersion
	pc.DiskUsageBytes = complete.DiskUsageMB << 20
	return nil
}

func (c *Coordinator) runSnapshot(ctx context.Context, _ Config, _ *Context) error {
	c.emitProgress(0.1, "stopping VM")
	if err := c.facade.Stop(ctx); err != nil {
		return err
	}
	c.emitProgress(0.5, "capturing golden snapshot")
	return c.facade.CreateSnapshot(ctx, vm.GoldenSnapshotName)
}

// Cancel requests cooperative cancellation. Safe from any goroutine.
func (c *Coordinator) Cancel() {
	c.cancelRequested.Store(true)
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset returns a terminal machine to idle.
func (c *Coordinator) Reset() error {
	return c.transition(PhaseIdle)
}

// Rollback deletes the partial disk image and returns to idle. Only
// legal from failed or cancelled; deletion errors are captured in the
// result, not thrown.
func (c *Coordinator) Rollback() (*RollbackResult, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseFailed && c.state.Phase != PhaseCancelled {
		err := &TransitionError{From: c.state.Phase, To: PhaseIdle}
		c.mu.Unlock()
		return nil, err
	}
	var diskPath string
	if c.pctx != nil {
		diskPath = c.pctx.DiskImagePath
	}
	c.mu.Unlock()

	res := &RollbackResult{}
	if diskPath != "" {
		freed, err := c.disks.DeleteDisk(diskPath)
		res.FreedBytes = freed
		if err != nil {
			res.CaptureErr = err
			c.logger.Warn("rollback disk deletion failed", "path", diskPath, "error", err)
		}
	}

	if err := c.transition(PhaseIdle); err != nil {
		return res, err
	}
	return res, nil
}

// Retry re-runs provisioning from failed or cancelled, optionally
// rolling back first. A nil cfg reuses the previous run's config.
func (c *Coordinator) Retry(ctx context.Context, cfg *Config, performRollback bool) (Result, error) {
	c.mu.Lock()
	if c.state.Phase != PhaseFailed && c.state.Phase != PhaseCancelled {
		err := &TransitionError{From: c.state.Phase, To: PhaseValidatingISO}
		c.mu.Unlock()
		return Result{}, err
	}
	previous := c.lastConfig
	c.mu.Unlock()

	if performRollback {
		if _, err := c.Rollback(); err != nil {
			return Result{}, err
		}
	} else {
		if err := c.Reset(); err != nil {
			return Result{}, err
		}
	}

	runCfg := previous
	if cfg != nil {
		runCfg = cfg
	}
	if runCfg == nil {
		return Result{}, &ConfigError{Reason: "no previous config to retry with"}
	}
	return c.StartProvisioning(ctx, *runCfg), nil
}
