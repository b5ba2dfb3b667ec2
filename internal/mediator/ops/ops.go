// Package ops defines the sideways operations table the mediator exposes to
// its caller (spec.md §6 "Sideways (operations table)"): the six entry
// points a KVM host uses to create/destroy the host and guest VM pseudo-
// contexts, forward a trapped secure-monitor call, and query liveness.
//
// Grounded on virtcontainers/device/api/interface.go's interface-plus-
// package-logger shape.
package ops

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

var opsLogger = logrus.WithField("subsystem", "mediator-ops")

// SetLogger rebinds the package logger, keeping any fields already attached.
func SetLogger(logger *logrus.Entry) {
	fields := opsLogger.Data
	opsLogger = logger.WithFields(fields)
}

// Table is the operations table a KVM host process drives the mediator
// through. It is implemented by *mediator.Mediator; callers outside the
// mediator package depend only on this interface.
type Table interface {
	// CreateHost announces the host pseudo-VM to firmware.
	CreateHost(ctx context.Context) error

	// DestroyHost announces host pseudo-VM teardown to firmware.
	DestroyHost(ctx context.Context) error

	// CreateVM allocates a VMID and a VM context for handle, the opaque
	// identity a KVM host uses for one guest (typically a *kvm.VM or
	// similar handle the caller already owns).
	CreateVM(ctx context.Context, handle any) error

	// DestroyVM announces VM teardown to firmware and releases every
	// standard call, SHM buffer and SHM RPC the VM's context still holds.
	DestroyVM(ctx context.Context, handle any) error

	// ForwardRequest dispatches one trapped secure-monitor call from the
	// VM named by handle, returning the register image to resume the vCPU
	// with. ErrVMNotFound if handle names no live VM context.
	ForwardRequest(ctx context.Context, handle any, regs msg.Regs) (msg.Regs, error)

	// IsActive reports whether the mediator is still alive.
	IsActive() bool
}
