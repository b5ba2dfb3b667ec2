package mediator

import (
	"context"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
	"github.com/kata-containers/optee-mediator/internal/mediator/registry"
)

// rpcOutcome is the local result of one RPC-return handling round: either
// the mediator dealt with it (possibly a no-op) or the RPC cookie it named
// isn't known yet and firmware must be re-invoked with the same registers.
// This replaces the original driver's -ERESTART sentinel with a named type
// (spec.md §9 design note).
type rpcOutcome int

const (
	rpcHandled rpcOutcome = iota
	rpcRetry
)

// doCallWithArg invokes firmware and, as long as it keeps returning an RPC
// request, feeds each one through handleRPCReturn before deciding whether to
// retry (cookie not yet known) or return the RPC result to the guest
// unmodified. Shared by the initial CALL_WITH_ARG entry and every
// RETURN_FROM_RPC resume (spec.md §4.4/§4.5), both of which suspend and
// resume the same call's embedded RPC sub-machine.
//
// Grounded on optee_mediator_do_call_with_arg's handle_rpc_return retry
// loop.
func (m *Mediator) doCallWithArg(ctx context.Context, vm *VMContext, call *registry.StdCall, regs msg.Regs) msg.Regs {
	span, ctx := startSpan(ctx, "smc", map[string]string{"vmid": vmidLabel(vm.VMID)})
	defer span.End()

	regs.A7 = uint32(vm.VMID)
	res := m.fw.SMC(ctx, regs)

	if !msg.IsRPC(res.A0) {
		return res
	}

	restarts := 0
	for {
		call.RPCState = res
		if outcome := m.handleRPCReturn(vm, call, res); outcome != rpcRetry {
			break
		}

		restarts++
		if restarts > m.cfg.MaxRPCRestarts {
			medLogger.WithField("thread_id", call.ThreadID).
				Warn("rpc cookie restart limit exceeded, failing call with a communication error")
			return m.abandonRPC(vm, call)
		}

		res = m.fw.SMC(ctx, regs)
		if !msg.IsRPC(res.A0) {
			break
		}
	}
	return res
}

// abandonRPC gives up on a call whose RPC cookie never resolved within the
// bounded restart budget (spec.md §9 Open Question 4; SPEC_FULL.md §12 item 4):
// it writes a communication error directly into the shadow argument page so
// the caller's ordinary finishCall path mirrors it to the guest like any
// other terminal result, and reports the call complete rather than leaving
// it suspended forever.
func (m *Mediator) abandonRPC(vm *VMContext, call *registry.StdCall) msg.Regs {
	call.ShadowArg.Ret = msg.TEECErrorCommunication
	call.ShadowArg.RetOrigin = msg.TEECOriginComms
	vm.gw.WriteShadow(call.ShadowHPA, msg.EncodeArg(call.ShadowArg))
	return msg.Regs{A0: msg.ReturnOK}
}

// handleRPCReturn processes one firmware RPC request on the mediator's
// behalf: recording the thread_id it suspended under, releasing an SHM RPC
// buffer on FUNC_FREE, or resolving an SHM_FREE command against an SHM RPC
// buffer on FUNC_CMD. A FUNC_CMD whose cookie the registry hasn't learned
// yet (the matching RETURN_FROM_RPC/FUNC_ALLOC hasn't been observed) asks
// the caller to retry rather than guess.
//
// Grounded on optee_mediator_handle_rpc_return.
func (m *Mediator) handleRPCReturn(vm *VMContext, call *registry.StdCall, res msg.Regs) rpcOutcome {
	call.RPCFunc = res.A0
	if call.ThreadID != res.A3 {
		if err := vm.reg.SetThreadID(call, res.A3); err != nil {
			medLogger.WithError(err).Warn("rpc return named an unlisted call")
		}
	}

	switch call.RPCFunc {
	case msg.RPCFuncFree:
		cookie := msg.RegPairToPtr(res.A1, res.A2)
		vm.reg.DelistSHMRPC(cookie)
		m.refreshVMGauges(vm)
		return rpcHandled

	case msg.RPCFuncCmd:
		// The cookie must resolve here, and an SHM_FREE command releases its
		// buffer as soon as the request is seen; the command as a whole is
		// dispatched again on the matching RETURN_FROM_RPC resume, once the
		// guest has handed the same cookie back in regs.a1:a2.
		cookie := msg.RegPairToPtr(res.A1, res.A2)
		rpc, ok := vm.reg.FindSHMRPC(cookie)
		if !ok {
			return rpcRetry
		}
		if raw := vm.gw.ReadPage(rpc.ArgGPA); raw != nil {
			cmdArg := msg.DecodeArg(raw)
			if cmdArg.Cmd == msg.RPCCmdSHMFree && len(cmdArg.Params) > 0 {
				vm.reg.DelistSHMBuf(cmdArg.Params[0].Value.B)
				m.refreshVMGauges(vm)
			}
		}
		return rpcHandled

	default:
		// FUNC_ALLOC and FOREIGN_INTR need no mediator action now; ALLOC's
		// bookkeeping happens on the matching RETURN_FROM_RPC resume.
		return rpcHandled
	}
}

// dispatchRPCCmd inspects the RPC command argument the firmware addressed by
// the SHM RPC buffer named in regs.a1:a2, enforces the one-page size cap
// OPTEE_MSG_GET_ARG_SIZE must respect, and dispatches SHM_ALLOC (reusing the
// same non-contiguous-buffer resolver standard calls use on their own TMEM
// params) or SHM_FREE.
//
// Grounded on optee_mediator_handle_rpc_cmd.
func (m *Mediator) dispatchRPCCmd(vm *VMContext, regs msg.Regs) {
	cookie := msg.RegPairToPtr(regs.A1, regs.A2)
	rpc, ok := vm.reg.FindSHMRPC(cookie)
	if !ok {
		return
	}

	raw := vm.gw.ReadPage(rpc.ArgGPA)
	if raw == nil {
		return
	}
	cmdArg := msg.DecodeArg(raw)

	if msg.ArgSize(cmdArg.NumParams) > msg.PageSize {
		cmdArg.Ret = msg.TEECErrorBadParameters
		cmdArg.RetOrigin = msg.TEECOriginComms
		vm.gw.WritePage(rpc.ArgGPA, msg.EncodeArg(cmdArg))
		return
	}

	switch cmdArg.Cmd {
	case msg.RPCCmdSHMAlloc:
		if len(cmdArg.Params) == 0 {
			return
		}
		_ = m.resolveNonContigParam(vm, cmdArg, &cmdArg.Params[0])
		vm.gw.WritePage(rpc.ArgGPA, msg.EncodeArg(cmdArg))

	case msg.RPCCmdSHMFree:
		if len(cmdArg.Params) == 0 {
			return
		}
		vm.reg.DelistSHMBuf(cmdArg.Params[0].Value.B)
		m.refreshVMGauges(vm)
	}
}

// ResumeFromRPC handles a RETURN_FROM_RPC trap (spec.md §4.5): finds the
// call suspended under the resuming thread_id, applies the one-time
// bookkeeping side effect its last RPC function requires, then re-enters
// firmware with the guest-supplied resume registers under the same
// suspend/retry machinery as the initial call.
//
// Grounded on optee_mediator_handle_rpc_call / the RETURN_FROM_RPC case of
// optee_mediator_smc_handler.
func (m *Mediator) ResumeFromRPC(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	call, ok := vm.reg.FindStdCallByThreadID(regs.A3)
	if !ok {
		return msg.Regs{A0: msg.ReturnEResume}
	}

	switch call.RPCFunc {
	case msg.RPCFuncAlloc:
		cookie := msg.RegPairToPtr(regs.A4, regs.A5)
		argGPA := memory.GPA(msg.RegPairToPtr(regs.A1, regs.A2))

		if _, exists := vm.reg.FindSHMRPC(cookie); exists {
			medLogger.WithField("cookie", cookie).Warn("rpc alloc resume named an already-live cookie")
			regs.A1, regs.A2 = 0, 0
			break
		}

		hpa := vm.gw.GPAToHPA(argGPA)
		if hpa == 0 {
			medLogger.WithField("gpa", argGPA).Warn("rpc alloc resume named an unmapped argument page")
			regs.A1, regs.A2 = 0, 0
			break
		}

		if err := vm.reg.EnlistSHMRPC(&registry.ShmRPC{ArgGPA: argGPA, Cookie: cookie}); err != nil {
			medLogger.WithError(err).WithField("cookie", cookie).
				Warn("rpc alloc resume named an already-live cookie")
			regs.A1, regs.A2 = 0, 0
			break
		}

		regs.A1, regs.A2 = msg.RegPairFromPtr(uint64(hpa))

	case msg.RPCFuncCmd:
		m.dispatchRPCCmd(vm, regs)

	case msg.RPCFuncForeignIntr, msg.RPCFuncFree:
		// FUNC_FREE bookkeeping already ran in handleRPCReturn when the RPC
		// request itself was first observed; FOREIGN_INTR carries no
		// mediator-side state at all.
	}

	res := m.doCallWithArg(ctx, vm, call, regs)
	if msg.IsRPC(res.A0) {
		return res
	}

	m.finishCall(vm, call)
	return res
}
