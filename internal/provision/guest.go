package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winrun/winrun/internal/protocol"
)

// GuestEvent is one message of the guest post-install sub-protocol.
// Exactly one field is set.
type GuestEvent struct {
	Progress *protocol.ProvisionProgress
	Error    *protocol.ProvisionError
	Complete *protocol.ProvisionComplete
}

// GuestEventSource feeds provisioning events into the coordinator. The
// production source adapts the control channel delegate; tests and the
// no-channel path inject a simulator.
type GuestEventSource interface {
	Events() <-chan GuestEvent
}

// ChannelEventSource adapts control-channel delegate callbacks into a
// GuestEventSource. It does not implement control.Delegate itself;
// chain it from the channel delegate.
type ChannelEventSource struct {
	events chan GuestEvent
	logger *slog.Logger
}

// NewChannelEventSource creates a source with a buffered queue.
func NewChannelEventSource(logger *slog.Logger) *ChannelEventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelEventSource{events: make(chan GuestEvent, 64), logger: logger}
}

// Events implements GuestEventSource.
func (s *ChannelEventSource) Events() <-chan GuestEvent { return s.events }

// HandleMessage feeds one guest message into the queue; non-provisioning
// messages are ignored. Call it from the channel delegate's
// DidReceiveMessage.
func (s *ChannelEventSource) HandleMessage(msg protocol.Message, _ protocol.MessageType) {
	var ev GuestEvent
	switch m := msg.(type) {
	case *protocol.ProvisionProgress:
		ev.Progress = m
	case *protocol.ProvisionError:
		ev.Error = m
	case *protocol.ProvisionComplete:
		ev.Complete = m
	default:
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("guest event queue full, dropping event")
	}
}

// errPostInstallDone cancels the sibling watchdogs after a successful
// Complete; it never escapes watchPostInstall.
var errPostInstallDone = errors.New("post-install done")

// cancelPollInterval is how often the watchdog checks for cancellation.
const cancelPollInterval = 100 * time.Millisecond

// watchPostInstall runs the three concurrent watchdog tasks guarding
// the guest post-install wait: the message processor, the overall
// timeout, and the cancellation poller. Whichever finishes first
// cancels the others.
func watchPostInstall(
	ctx context.Context,
	source GuestEventSource,
	timeout time.Duration,
	cancelled func() bool,
	onProgress func(phaseProgress float64, message string),
	logger *slog.Logger,
) (*protocol.ProvisionComplete, error) {
	g, gctx := errgroup.WithContext(ctx)
	var complete *protocol.ProvisionComplete

	// Message processor: terminates on Complete{success} or a
	// non-recoverable error.
	g.Go(func() error {
		for {
			select {
			case ev := <-source.Events():
				switch {
				case ev.Progress != nil:
					onProgress(guestPhaseProgress(ev.Progress.Phase, ev.Progress.Percent), ev.Progress.Message)
				case ev.Error != nil:
					if ev.Error.IsRecoverable {
						logger.Warn("recoverable guest provisioning error",
							"guestPhase", ev.Error.Phase,
							"code", ev.Error.ErrorCode,
							"message", ev.Error.Message,
						)
						continue
					}
					return &GuestProvisionError{
						GuestPhase: ev.Error.Phase,
						Code:       ev.Error.ErrorCode,
						Message:    ev.Error.Message,
					}
				case ev.Complete != nil:
					if !ev.Complete.Success {
						return &GuestProvisionError{
							GuestPhase: "complete",
							Code:       "E_PROVISION_FAILED",
							Message:    ev.Complete.ErrorMessage,
						}
					}
					complete = ev.Complete
					onProgress(1, "guest provisioning complete")
					return errPostInstallDone
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Overall timeout.
	g.Go(func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			return ErrTimeout
		case <-gctx.Done():
			return nil
		}
	})

	// Cancellation poller.
	g.Go(func() error {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if cancelled() {
					return ErrCancelled
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errPostInstallDone) {
		return complete, nil
	}
	if err == nil {
		// The outer context ended before any watchdog decided.
		if cancelled() {
			return nil, ErrCancelled
		}
		return nil, ctx.Err()
	}
	return nil, err
}
