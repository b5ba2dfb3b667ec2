package mediator

import (
	"context"

	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// Firmware is the downward boundary to the TEE (spec.md §6 "Downward
// (firmware)"): a single secure-monitor call carrying an eight-register
// argument/result set. Re-architected per spec.md §9 as an explicit
// interface rather than an inline trap instruction, so the mediator can be
// driven against a fake firmware in tests and in cmd/medsim.
type Firmware interface {
	SMC(ctx context.Context, regs msg.Regs) msg.Regs
}
