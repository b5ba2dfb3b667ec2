package mediator

import (
	"context"
	"strconv"

	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// ForwardRequest looks up the VM context for handle and dispatches regs
// against it, the ops.Table entry point a KVM host calls on every trapped
// secure-monitor call.
func (m *Mediator) ForwardRequest(ctx context.Context, handle any, regs msg.Regs) (msg.Regs, error) {
	vm, ok := m.Find(handle)
	if !ok {
		return msg.Regs{}, ErrVMNotFound
	}
	return m.Dispatch(ctx, vm, regs), nil
}

// Dispatch classifies and sequences one trapped secure-monitor call for vm
// (spec.md §4.5): the standard-call and RPC-resume entry points run their
// own state machines; capability exchange and GET_THREAD_COUNT get the
// mediator's own bookkeeping layered on top of a forward; everything else
// recognised is forwarded with the VM's VMID tagged into a7; anything else
// is refused outright, never reaching firmware.
//
// Grounded on the function-id switch in optee_mediator_smc_handler.
func (m *Mediator) Dispatch(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	span, ctx := startSpan(ctx, "dispatch", map[string]string{
		"func": funcName(regs.A0),
		"vmid": vmidLabel(vm.VMID),
	})
	defer span.End()

	outcome := "ok"
	res := m.dispatch(ctx, vm, regs, &outcome)
	if m.metrics != nil {
		m.metrics.observeDispatch(funcName(regs.A0), outcome)
	}
	return res
}

func (m *Mediator) dispatch(ctx context.Context, vm *VMContext, regs msg.Regs, outcome *string) msg.Regs {
	switch regs.A0 {
	case msg.FuncCallWithArg:
		return m.HandleStdCall(ctx, vm, regs)

	case msg.FuncReturnFromRPC:
		return m.ResumeFromRPC(ctx, vm, regs)

	case msg.FuncExchangeCapabilities:
		return m.exchangeCapabilities(ctx, vm, regs)

	case msg.FuncGetThreadCount:
		return m.getThreadCount(ctx, vm, regs)

	case msg.FuncDisableSHMCache:
		return m.disableSHMCache(ctx, vm, regs)

	case msg.FuncCallsCount, msg.FuncCallsUID, msg.FuncCallsRevision,
		msg.FuncGetOSUUID, msg.FuncGetOSRevision, msg.FuncEnableSHMCache,
		msg.FuncEnableAsyncNotif, msg.FuncGetAsyncNotifValue:
		return m.forward(ctx, vm, regs)

	default:
		*outcome = "unknown"
		return msg.Regs{A0: msg.ReturnUnknownFunction}
	}
}

// forward tags a7 with the VM's VMID and passes regs straight through to
// firmware: the fast calls that carry no mediator-side state at all.
func (m *Mediator) forward(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	regs.A7 = uint32(vm.VMID)
	return m.fw.SMC(ctx, regs)
}

// exchangeCapabilities masks the guest's advertised non-secure capabilities
// down to what the mediator itself understands before forwarding, then masks
// firmware's returned secure capabilities the same way, strips
// HAVE_RESERVED_SHM (the mediator's shadow buffers replace firmware's own
// reserved-SHM pool), and refuses the exchange outright if firmware doesn't
// report DYNAMIC_SHM, since the mediator's SHM handling depends on it
// (SPEC_FULL.md §12 item 3): a capability neither side of the mediator
// understands must never appear as "negotiated" in either direction.
func (m *Mediator) exchangeCapabilities(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	regs.A1 &= msg.KnownNSecCaps
	regs.A7 = uint32(vm.VMID)

	res := m.fw.SMC(ctx, regs)
	if res.A0 == msg.ReturnOK {
		res.A1 &= msg.KnownSecCaps
		res.A1 &^= msg.SecCapHaveReservedSHM
		if res.A1&msg.SecCapDynamicSHM == 0 {
			res.A0 = msg.ReturnENotAvail
		}
	}
	return res
}

// getThreadCount forwards GET_THREAD_COUNT and latches its result as the
// call-admission limit HandleStdCall enforces. A firmware that doesn't
// implement the call at all latches the limit to zero rather than leaving
// whatever was previously learned, so every subsequent standard call fails
// ETHREAD_LIMIT instead of racing ahead on a stale guess (SPEC_FULL.md
// §12 item 2, supplementing spec.md §9 Open Question 4's sibling concern).
func (m *Mediator) getThreadCount(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	regs.A7 = uint32(vm.VMID)
	res := m.fw.SMC(ctx, regs)

	switch res.A0 {
	case msg.ReturnUnknownFunction:
		m.threadLimit.Store(0)
	case msg.ReturnOK:
		m.threadLimit.Store(res.A1)
	}
	return res
}

// disableSHMCache forwards DISABLE_SHM_CACHE and, on success, releases the
// SHM buffer named by the evicted cookie firmware hands back in a1:a2
// (SPEC_FULL.md §12 item 1): firmware no longer holds a reference to it, so the
// registry must drop it too or its page count would never come back down.
func (m *Mediator) disableSHMCache(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	regs.A7 = uint32(vm.VMID)
	res := m.fw.SMC(ctx, regs)

	if res.A0 == msg.ReturnOK {
		cookie := msg.RegPairToPtr(res.A1, res.A2)
		vm.reg.DelistSHMBuf(cookie)
		m.refreshVMGauges(vm)
	}
	return res
}

func funcName(a0 uint32) string {
	switch a0 {
	case msg.FuncCallsCount:
		return "calls_count"
	case msg.FuncCallsUID:
		return "calls_uid"
	case msg.FuncCallsRevision:
		return "calls_revision"
	case msg.FuncGetOSUUID:
		return "get_os_uuid"
	case msg.FuncGetOSRevision:
		return "get_os_revision"
	case msg.FuncCallWithArg:
		return "call_with_arg"
	case msg.FuncGetThreadCount:
		return "get_thread_count"
	case msg.FuncExchangeCapabilities:
		return "exchange_capabilities"
	case msg.FuncDisableSHMCache:
		return "disable_shm_cache"
	case msg.FuncEnableSHMCache:
		return "enable_shm_cache"
	case msg.FuncReturnFromRPC:
		return "return_from_rpc"
	case msg.FuncEnableAsyncNotif:
		return "enable_async_notif"
	case msg.FuncGetAsyncNotifValue:
		return "get_async_notif_value"
	case msg.FuncVMCreated:
		return "vm_created"
	case msg.FuncVMDestroyed:
		return "vm_destroyed"
	default:
		return "0x" + strconv.FormatUint(uint64(a0), 16)
	}
}
