// Package vm defines the contract with the hypervisor façade. The façade
// itself lives in a separate privileged component; the provisioning
// coordinator and IPC server only speak to these interfaces.
package vm

import (
	"context"
	"errors"
	"time"
)

// Status is the façade's view of the VM lifecycle.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusProvisioning Status = "provisioning"
)

// Info is a point-in-time VM snapshot surfaced over IPC.
type Info struct {
	Status Status
	Uptime time.Duration
}

// Facade starts and stops the Windows VM and manages disk snapshots.
type Facade interface {
	// Start boots the VM with the given spec.
	Start(ctx context.Context, spec *Spec) error
	// Stop shuts the VM down, forcibly after the context deadline.
	Stop(ctx context.Context) error
	// Info reports the current lifecycle state.
	Info(ctx context.Context) (Info, error)
	// CreateSnapshot captures the current disk state under name. The
	// golden snapshot taken after provisioning is the fast-boot baseline.
	CreateSnapshot(ctx context.Context, name string) error
}

// GoldenSnapshotName is the snapshot created after provisioning.
const GoldenSnapshotName = "golden"

// ErrVirtualizationUnavailable is returned when no hypervisor façade is
// bound.
var ErrVirtualizationUnavailable = errors.New("virtualization unavailable")

// UnavailableFacade is the façade seam before a hypervisor binding is
// attached: status reads succeed, lifecycle operations fail typed.
type UnavailableFacade struct{}

func (UnavailableFacade) Start(context.Context, *Spec) error { return ErrVirtualizationUnavailable }
func (UnavailableFacade) Stop(context.Context) error         { return ErrVirtualizationUnavailable }
func (UnavailableFacade) Info(context.Context) (Info, error) {
	return Info{Status: StatusStopped}, nil
}
func (UnavailableFacade) CreateSnapshot(context.Context, string) error {
	return ErrVirtualizationUnavailable
}
