// Package provision drives the Windows ISO → bootable disk → golden
// snapshot pipeline.
package provision

import "time"

// Phase is one state of the provisioning machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseValidatingISO      Phase = "validatingISO"
	PhaseCreatingDisk       Phase = "creatingDisk"
	PhaseInstallingWindows  Phase = "installingWindows"
	PhasePostInstall        Phase = "postInstallProvisioning"
	PhaseCreatingSnapshot   Phase = "creatingSnapshot"
	PhaseComplete           Phase = "complete"
	PhaseFailed             Phase = "failed"
	PhaseCancelled          Phase = "cancelled"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// Active reports whether the phase is part of a running pipeline.
func (p Phase) Active() bool {
	switch p {
	case PhaseValidatingISO, PhaseCreatingDisk, PhaseInstallingWindows, PhasePostInstall, PhaseCreatingSnapshot:
		return true
	}
	return false
}

// validTransitions is the complete transition table. Every state change
// the coordinator makes must appear here.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:              {PhaseValidatingISO},
	PhaseValidatingISO:     {PhaseCreatingDisk, PhaseFailed, PhaseCancelled},
	PhaseCreatingDisk:      {PhaseInstallingWindows, PhaseFailed, PhaseCancelled},
	PhaseInstallingWindows: {PhasePostInstall, PhaseFailed, PhaseCancelled},
	PhasePostInstall:       {PhaseCreatingSnapshot, PhaseFailed, PhaseCancelled},
	PhaseCreatingSnapshot:  {PhaseComplete, PhaseFailed, PhaseCancelled},
	PhaseComplete:          {PhaseIdle},
	PhaseFailed:            {PhaseIdle},
	PhaseCancelled:         {PhaseIdle},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Phase weights for overall progress. The coordinator and any UI must
// agree on these, so they live in exactly one place.
var phaseWeights = []struct {
	phase  Phase
	weight float64
}{
	{PhaseValidatingISO, 0.02},
	{PhaseCreatingDisk, 0.03},
	{PhaseInstallingWindows, 0.60},
	{PhasePostInstall, 0.25},
	{PhaseCreatingSnapshot, 0.10},
}

// OverallProgress maps a phase-local progress in [0,1] to pipeline
// progress: the weighted sum of completed phases plus the weighted
// fraction of the current one.
func OverallProgress(phase Phase, phaseProgress float64) float64 {
	if phase == PhaseComplete {
		return 1
	}
	if phaseProgress < 0 {
		phaseProgress = 0
	}
	if phaseProgress > 1 {
		phaseProgress = 1
	}

	var base float64
	for _, pw := range phaseWeights {
		if pw.phase == phase {
			return base + pw.weight*phaseProgress
		}
		base += pw.weight
	}
	return 0
}

// Guest post-install sub-phases map onto [0,1] of the postInstall phase.
var guestPhaseSpans = map[string][2]float64{
	"drivers":  {0, 0.25},
	"agent":    {0.25, 0.50},
	"optimize": {0.50, 0.80},
	"finalize": {0.80, 0.95},
	"complete": {0.95, 1.0},
}

// guestPhaseProgress converts a guest {phase, percent} report into
// postInstall-phase progress.
func guestPhaseProgress(guestPhase string, percent float64) float64 {
	span, ok := guestPhaseSpans[guestPhase]
	if !ok {
		return 0
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return span[0] + (span[1]-span[0])*percent/100
}

// State is the externally observable provisioning state.
type State struct {
	Phase         Phase
	PhaseProgress float64
	Message       string
	Err           error
	EnteredAt     time.Time
}
