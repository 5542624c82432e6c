package provision

import (
	"errors"
	"fmt"
	"testing"
)

func hasAction(actions []SuggestedAction, want SuggestedAction) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestFailureContextMappings(t *testing.T) {
	tests := []struct {
		name        string
		phase       Phase
		err         error
		wantActions []SuggestedAction
		wantCleanup bool
	}{
		{
			name:        "cancelled during install",
			phase:       PhaseInstallingWindows,
			err:         ErrCancelled,
			wantActions: []SuggestedAction{ActionRetry, ActionRollback},
			wantCleanup: true,
		},
		{
			name:        "unusable iso",
			phase:       PhaseValidatingISO,
			err:         fmt.Errorf("%w: x64", ErrISOUnusable),
			wantActions: []SuggestedAction{ActionChooseDifferentISO},
			wantCleanup: false,
		},
		{
			name:        "out of space",
			phase:       PhaseCreatingDisk,
			err:         ErrDiskInsufficientSpace,
			wantActions: []SuggestedAction{ActionFreeDiskSpace, ActionRetry, ActionRollback},
			wantCleanup: true,
		},
		{
			name:        "guest timeout",
			phase:       PhasePostInstall,
			err:         ErrTimeout,
			wantActions: []SuggestedAction{ActionRetry, ActionCheckNetwork, ActionRollback},
			wantCleanup: true,
		},
		{
			name:        "bad config",
			phase:       PhaseValidatingISO,
			err:         &ConfigError{Reason: "isoPath is empty"},
			wantActions: []SuggestedAction{ActionReviewConfig},
			wantCleanup: false,
		},
		{
			name:        "guest provisioning error",
			phase:       PhasePostInstall,
			err:         &GuestProvisionError{GuestPhase: "agent", Code: "E_MSI", Message: "crashed"},
			wantActions: []SuggestedAction{ActionRetry, ActionContactSupport, ActionRollback},
			wantCleanup: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &SetupFailureContext{FailedPhase: tt.phase, Err: tt.err}

			if got := f.CleanupRecommended(); got != tt.wantCleanup {
				t.Errorf("CleanupRecommended = %v, want %v", got, tt.wantCleanup)
			}
			actions := f.SuggestedActions()
			for _, want := range tt.wantActions {
				if !hasAction(actions, want) {
					t.Errorf("actions %v missing %s", actions, want)
				}
			}
			if f.Summary() == "" {
				t.Error("empty summary")
			}
			if f.Detail() == "" {
				t.Error("empty detail")
			}
		})
	}
}

func TestFailureActionsDeduplicated(t *testing.T) {
	f := &SetupFailureContext{FailedPhase: PhaseCreatingDisk, Err: ErrDiskAlreadyExists}
	actions := f.SuggestedActions()
	seen := map[SuggestedAction]int{}
	for _, a := range actions {
		seen[a]++
	}
	for a, n := range seen {
		if n > 1 {
			t.Errorf("action %s appears %d times", a, n)
		}
	}
	if !hasAction(actions, ActionRollback) {
		t.Errorf("actions = %v, want rollback present", actions)
	}
}

func TestSummaryDistinguishesCancellation(t *testing.T) {
	f := &SetupFailureContext{FailedPhase: PhaseInstallingWindows, Err: ErrCancelled}
	if f.Summary() != "Setup was cancelled" {
		t.Errorf("summary = %q", f.Summary())
	}
	if !errors.Is(f.Err, ErrCancelled) {
		t.Error("sentinel lost")
	}
}
