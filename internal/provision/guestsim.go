package provision

import (
	"time"

	"github.com/winrun/winrun/internal/protocol"
)

// SimulatedEventSource replays a deterministic four-step post-install
// progression. The coordinator substitutes it when no control channel
// is attached; tests tune the step interval down.
type SimulatedEventSource struct {
	events chan GuestEvent
}

// simulatedSteps is the canned progression: one report per guest phase,
// then completion.
var simulatedSteps = []protocol.ProvisionProgress{
	{Phase: "drivers", Percent: 100, Message: "virtio drivers installed"},
	{Phase: "agent", Percent: 100, Message: "guest agent installed"},
	{Phase: "optimize", Percent: 100, Message: "image optimized"},
	{Phase: "finalize", Percent: 100, Message: "finalized"},
}

// NewSimulatedEventSource starts the progression with the given delay
// between steps.
func NewSimulatedEventSource(stepInterval time.Duration) *SimulatedEventSource {
	s := &SimulatedEventSource{events: make(chan GuestEvent, len(simulatedSteps)+1)}
	go func() {
		for i := range simulatedSteps {
			time.Sleep(stepInterval)
			s.events <- GuestEvent{Progress: &simulatedSteps[i]}
		}
		time.Sleep(stepInterval)
		s.events <- GuestEvent{Complete: &protocol.ProvisionComplete{
			Success:        true,
			DiskUsageMB:    12 * 1024,
			WindowsVersion: "10.0.22631",
			AgentVersion:   "0.0.0-simulated",
		}}
	}()
	return s
}

// Events implements GuestEventSource.
func (s *SimulatedEventSource) Events() <-chan GuestEvent { return s.events }
