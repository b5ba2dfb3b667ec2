package mediator

import (
	"context"
	"sync"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// mockFirmware is a small in-process OP-TEE stand-in used by this package's
// tests: it answers the fast calls the mediator needs acknowledged at init
// time, completes CALL_WITH_ARG invocations synchronously against whichever
// VM's shadow memory the call's a7/VMID names, and can optionally detour one
// invocation through a single alloc/free RPC round trip to exercise the RPC
// sub-machine (spec.md §8 scenarios touching RPC suspension/resume).
//
// Grounded on mock_hypervisor.go's shape: an unexported struct satisfying
// the package's external-boundary interface, kept in the package under test.
type mockFirmware struct {
	mu sync.Mutex

	mem         map[uint64]memory.System
	threadCount uint32
	nextSession uint32
	nextThread  uint32
	pending     map[uint32]*mockPendingRPC

	// rpcDemoFunc, when non-zero, is the trusted-app function number that
	// triggers the one-round alloc/free RPC detour instead of completing
	// immediately.
	rpcDemoFunc uint32

	// lastResumeRegs records the registers the mediator last passed into
	// resumeRPC, so tests can inspect what it actually handed firmware
	// (e.g. that a1/a2 carry a host-physical address, not the raw
	// guest-physical one the guest itself supplied).
	lastResumeRegs msg.Regs
}

type mockPendingRPC struct {
	vmid      uint64
	shadowHPA memory.HPA
	stage     int
}

func newMockFirmware(threadCount uint32) *mockFirmware {
	return &mockFirmware{
		mem:         make(map[uint64]memory.System),
		threadCount: threadCount,
		pending:     make(map[uint32]*mockPendingRPC),
	}
}

func (f *mockFirmware) registerVM(vmid uint64, sys memory.System) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem[vmid] = sys
}

func (f *mockFirmware) unregisterVM(vmid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mem, vmid)
}

func (f *mockFirmware) SMC(ctx context.Context, regs msg.Regs) msg.Regs {
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

	case msg.FuncDisableSHMCache:
		return msg.Regs{A0: msg.ReturnENotAvail}

	case msg.FuncCallWithArg:
		return f.callWithArg(regs)

	case msg.FuncReturnFromRPC:
		return f.resumeRPC(regs)

	default:
		return msg.Regs{A0: msg.ReturnOK}
	}
}

func (f *mockFirmware) callWithArg(regs msg.Regs) msg.Regs {
	vmid := uint64(regs.A7)

	f.mu.Lock()
	sys, ok := f.mem[vmid]
	f.mu.Unlock()
	if !ok {
		return msg.Regs{A0: msg.ReturnEBadAddr}
	}

	hpa := memory.HPA(msg.RegPairToPtr(regs.A1, regs.A2))
	arg := msg.DecodeArg(sys.ReadShadow(hpa))

	switch arg.Cmd {
	case msg.CmdOpenSession:
		f.mu.Lock()
		f.nextSession++
		arg.Session = f.nextSession
		f.mu.Unlock()
		arg.Ret = msg.ReturnOK

	case msg.CmdInvokeCommand:
		if f.rpcDemoFunc != 0 && arg.Func == f.rpcDemoFunc {
			sys.WriteShadow(hpa, msg.EncodeArg(arg))
			return f.beginRPCRoundTrip(vmid, hpa)
		}
		for i := range arg.Params {
			p := &arg.Params[i]
			if p.Attr&msg.AttrTypeMask == msg.AttrTypeValueInout {
				p.Value.B = p.Value.A
			}
		}
		arg.Ret = msg.ReturnOK

	case msg.CmdCloseSession, msg.CmdCancel, msg.CmdRegisterSHM, msg.CmdUnregisterSHM:
		arg.Ret = msg.ReturnOK

	default:
		arg.Ret = msg.TEECErrorBadParameters
	}

	sys.WriteShadow(hpa, msg.EncodeArg(arg))
	return msg.Regs{A0: msg.ReturnOK}
}

// beginRPCRoundTrip suspends the call into a single SHM alloc request; the
// guest resuming that alloc gets handed a matching free request for the
// same cookie, and only resuming *that* completes the call.
func (f *mockFirmware) beginRPCRoundTrip(vmid uint64, hpa memory.HPA) msg.Regs {
	f.mu.Lock()
	f.nextThread++
	tid := f.nextThread
	f.pending[tid] = &mockPendingRPC{vmid: vmid, shadowHPA: hpa}
	f.mu.Unlock()

	hi, lo := msg.RegPairFromPtr(uint64(msg.PageSize))
	return msg.Regs{A0: msg.RPCFuncAlloc, A1: hi, A2: lo, A3: tid}
}

func (f *mockFirmware) resumeRPC(regs msg.Regs) msg.Regs {
	tid := regs.A3

	f.mu.Lock()
	f.lastResumeRegs = regs
	pc, ok := f.pending[tid]
	f.mu.Unlock()
	if !ok {
		return msg.Regs{A0: msg.ReturnEResume}
	}

	switch pc.stage {
	case 0:
		f.mu.Lock()
		pc.stage = 1
		f.mu.Unlock()
		return msg.Regs{A0: msg.RPCFuncFree, A1: regs.A4, A2: regs.A5, A3: tid}

	default:
		f.mu.Lock()
		sys := f.mem[pc.vmid]
		delete(f.pending, tid)
		f.mu.Unlock()

		arg := msg.DecodeArg(sys.ReadShadow(pc.shadowHPA))
		arg.Ret = msg.ReturnOK
		sys.WriteShadow(pc.shadowHPA, msg.EncodeArg(arg))
		return msg.Regs{A0: msg.ReturnOK}
	}
}
