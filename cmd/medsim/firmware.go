package main

import (
	"context"
	"sync"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// simFirmware is cmd/medsim's own fake TEE: a deliberately simpler sibling
// of the mediator package's internal test double, since this one only ever
// needs to drive the handful of steps the demo CLI exercises (create VMs,
// invoke a command, tear down), not the full state-machine unit-test
// surface.
type simFirmware struct {
	mu          sync.Mutex
	mem         map[uint64]memory.System
	threadCount uint32
}

func newSimFirmware(threadCount uint32) *simFirmware {
	return &simFirmware{
		mem:         make(map[uint64]memory.System),
		threadCount: threadCount,
	}
}

func (f *simFirmware) registerVM(vmid uint64, sys memory.System) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem[vmid] = sys
}

func (f *simFirmware) SMC(ctx context.Context, regs msg.Regs) msg.Regs {
	switch regs.A0 {
	case msg.FuncVMCreated, msg.FuncVMDestroyed:
		return msg.Regs{A0: msg.ReturnOK}

	case msg.FuncExchangeCapabilities:
		return msg.Regs{A0: msg.ReturnOK, A1: msg.KnownSecCaps}

	case msg.FuncGetThreadCount:
		f.mu.Lock()
		n := f.threadCount
		f.mu.Unlock()
		return msg.Regs{A0: msg.ReturnOK, A1: n}

	case msg.FuncCallWithArg:
		return f.callWithArg(regs)

	default:
		return msg.Regs{A0: msg.ReturnOK}
	}
}

// callWithArg answers every standard call immediately: every trusted-app
// invocation this demo drives succeeds, echoing inout value parameters back
// the way a real trusted application would.
func (f *simFirmware) callWithArg(regs msg.Regs) msg.Regs {
	vmid := uint64(regs.A7)

	f.mu.Lock()
	sys, ok := f.mem[vmid]
	f.mu.Unlock()
	if !ok {
		return msg.Regs{A0: msg.ReturnEBadAddr}
	}

	hpa := memory.HPA(msg.RegPairToPtr(regs.A1, regs.A2))
	arg := msg.DecodeArg(sys.ReadShadow(hpa))

	for i := range arg.Params {
		p := &arg.Params[i]
		if p.Attr&msg.AttrTypeMask == msg.AttrTypeValueInout {
			p.Value.B = p.Value.A
		}
	}
	arg.Ret = msg.ReturnOK

	sys.WriteShadow(hpa, msg.EncodeArg(arg))
	return msg.Regs{A0: msg.ReturnOK}
}
