package provision

import (
	"errors"
	"fmt"
)

// SuggestedAction is one remediation offered to the user after a
// provisioning failure.
type SuggestedAction string

const (
	ActionRetry              SuggestedAction = "retry"
	ActionChooseDifferentISO SuggestedAction = "chooseDifferentISO"
	ActionFreeDiskSpace      SuggestedAction = "freeDiskSpace"
	ActionCheckNetwork       SuggestedAction = "checkNetwork"
	ActionGrantPermission    SuggestedAction = "grantPermission"
	ActionReviewConfig       SuggestedAction = "reviewConfig"
	ActionContactSupport     SuggestedAction = "contactSupport"
	ActionRollback           SuggestedAction = "rollback"
)

// SetupFailureContext derives user-facing failure guidance from the
// failed phase and its error.
type SetupFailureContext struct {
	FailedPhase Phase
	Err         error
}

// Summary is the one-line human explanation.
func (f *SetupFailureContext) Summary() string {
	switch {
	case errors.Is(f.Err, ErrCancelled):
		return "Setup was cancelled"
	case errors.Is(f.Err, ErrISOUnusable):
		return "This Windows image cannot run on this Mac"
	case errors.Is(f.Err, ErrDiskInsufficientSpace):
		return "Not enough free disk space"
	case errors.Is(f.Err, ErrDiskAlreadyExists):
		return "A Windows disk already exists"
	case errors.Is(f.Err, ErrTimeout):
		return "Windows setup took too long"
	}

	var guestErr *GuestProvisionError
	if errors.As(f.Err, &guestErr) {
		return "Windows setup failed inside the virtual machine"
	}
	var cfgErr *ConfigError
	if errors.As(f.Err, &cfgErr) {
		return "Setup configuration is invalid"
	}

	switch f.FailedPhase {
	case PhaseValidatingISO:
		return "The Windows image could not be read"
	case PhaseCreatingDisk:
		return "The virtual disk could not be created"
	case PhaseInstallingWindows:
		return "Windows installation failed"
	case PhasePostInstall:
		return "Post-install setup failed"
	case PhaseCreatingSnapshot:
		return "Saving the finished installation failed"
	default:
		return "Setup failed"
	}
}

// Detail is the technical string for logs and support bundles.
func (f *SetupFailureContext) Detail() string {
	return fmt.Sprintf("phase=%s error=%v", f.FailedPhase, f.Err)
}

// CleanupRecommended reports whether a rollback should be offered: any
// failure once the disk exists leaves partial state behind.
func (f *SetupFailureContext) CleanupRecommended() bool {
	switch f.FailedPhase {
	case PhaseCreatingDisk, PhaseInstallingWindows, PhasePostInstall, PhaseCreatingSnapshot:
		return true
	}
	return false
}

// SuggestedActions returns remediations ordered by usefulness.
func (f *SetupFailureContext) SuggestedActions() []SuggestedAction {
	var actions []SuggestedAction
	add := func(a SuggestedAction) {
		for _, existing := range actions {
			if existing == a {
				return
			}
		}
		actions = append(actions, a)
	}

	switch {
	case errors.Is(f.Err, ErrCancelled):
		add(ActionRetry)
	case errors.Is(f.Err, ErrISOUnusable):
		add(ActionChooseDifferentISO)
	case errors.Is(f.Err, ErrDiskInsufficientSpace):
		add(ActionFreeDiskSpace)
		add(ActionRetry)
	case errors.Is(f.Err, ErrDiskAlreadyExists):
		add(ActionRollback)
		add(ActionReviewConfig)
	case errors.Is(f.Err, ErrTimeout):
		add(ActionRetry)
		add(ActionCheckNetwork)
	default:
		var cfgErr *ConfigError
		var guestErr *GuestProvisionError
		switch {
		case errors.As(f.Err, &cfgErr):
			add(ActionReviewConfig)
		case errors.As(f.Err, &guestErr):
			add(ActionRetry)
			add(ActionContactSupport)
		case f.FailedPhase == PhaseValidatingISO:
			add(ActionChooseDifferentISO)
			add(ActionRetry)
		default:
			add(ActionRetry)
			add(ActionContactSupport)
		}
	}

	if f.CleanupRecommended() {
		add(ActionRollback)
	}
	return actions
}
