package mediator

import (
	"context"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
	"github.com/kata-containers/optee-mediator/internal/mediator/registry"
	"github.com/kata-containers/optee-mediator/internal/mediator/shm"
)

// HandleStdCall runs a CALL_WITH_ARG trap to completion or suspension
// (spec.md §4.4): shadow the guest argument page, reject what the firmware
// must never see, resolve non-contiguous SHM parameters, invoke firmware
// under the call's embedded RPC sub-machine, mirror outputs back to the
// guest, and release whatever the completed command's cleanup rule says to
// release.
//
// Grounded on optee_mediator_handle_std_call / optee_mediator_shadow_msg_arg
// / optee_mediator_resolve_params / optee_mediator_do_call_with_arg.
func (m *Mediator) HandleStdCall(ctx context.Context, vm *VMContext, regs msg.Regs) msg.Regs {
	guestArgGPA := memory.GPA(msg.RegPairToPtr(regs.A1, regs.A2))

	raw := vm.gw.ReadPage(guestArgGPA)
	if raw == nil {
		return msg.Regs{A0: msg.ReturnEBadAddr}
	}

	if vm.reg.CallCount() >= int(m.ThreadLimit()) {
		return msg.Regs{A0: msg.ReturnETHREADLimit}
	}

	shadowArg := msg.DecodeArg(raw)
	shadowHPA := vm.gw.AllocShadowPage()

	call := &registry.StdCall{
		GuestArgGPA: guestArgGPA,
		ShadowHPA:   shadowHPA,
		ShadowArg:   shadowArg,
		ThreadID:    msg.ThreadIDNone,
	}
	vm.reg.EnlistStdCall(call)
	m.refreshVMGauges(vm)

	// OPTEE_MSG_GET_ARG_SIZE(num_params) must not exceed one page; a guest
	// that lies about its own param count is told BAD_PARAMETERS without
	// ever reaching firmware.
	if msg.ArgSize(shadowArg.NumParams) > msg.PageSize {
		m.failCall(vm, call, msg.TEECErrorBadParameters)
		return msg.Regs{A0: msg.ReturnOK}
	}

	switch shadowArg.Cmd {
	case msg.CmdOpenSession, msg.CmdInvokeCommand, msg.CmdCloseSession,
		msg.CmdCancel, msg.CmdRegisterSHM, msg.CmdUnregisterSHM:
	default:
		m.completeCall(vm, call)
		return msg.Regs{A0: msg.ReturnEBadCmd}
	}

	if err := m.resolveParams(vm, shadowArg); err != nil {
		m.mirrorOutputs(vm, call)
		m.completeCall(vm, call)
		return msg.Regs{A0: msg.ReturnOK}
	}

	vm.gw.WriteShadow(shadowHPA, msg.EncodeArg(shadowArg))

	shadowHi, shadowLo := msg.RegPairFromPtr(uint64(shadowHPA))
	res := m.doCallWithArg(ctx, vm, call, msg.Regs{
		A0: msg.FuncCallWithArg,
		A1: shadowHi,
		A2: shadowLo,
		A3: msg.SHMCached,
	})

	if msg.IsRPC(res.A0) {
		// The call stays enlisted, suspended under call.ThreadID, to be
		// found again by RETURN_FROM_RPC.
		return res
	}

	m.finishCall(vm, call)
	return res
}

// finishCall re-syncs call.ShadowArg from the shadow page firmware just
// wrote into, mirrors its outputs to the guest, and runs the completed
// command's cleanup rule. Called once a doCallWithArg round returns a
// terminal (non-RPC) result.
func (m *Mediator) finishCall(vm *VMContext, call *registry.StdCall) {
	call.ShadowArg = msg.DecodeArg(vm.gw.ReadShadow(call.ShadowHPA))
	m.mirrorOutputs(vm, call)
	m.releaseOnCompletion(vm, call)
	m.completeCall(vm, call)
}

// failCall sets ret/ret_origin locally (firmware was never invoked),
// mirrors them to the guest, and delists the call.
func (m *Mediator) failCall(vm *VMContext, call *registry.StdCall, teecErr uint32) {
	call.ShadowArg.Ret = teecErr
	call.ShadowArg.RetOrigin = msg.TEECOriginComms
	m.mirrorOutputs(vm, call)
	m.completeCall(vm, call)
}

// completeCall delists call and refreshes this VM's gauges. It does not
// touch firmware or guest memory beyond the unpin DelistStdCall performs.
func (m *Mediator) completeCall(vm *VMContext, call *registry.StdCall) {
	vm.reg.DelistStdCall(call)
	m.refreshVMGauges(vm)
}

// resolveParams walks every parameter looking for non-contiguous tagged
// memory references, building and enlisting an SHM buffer for each one
// found (spec.md §4.3/§4.4). On the first failure it sets arg.Ret/RetOrigin
// and returns a non-nil error; the caller mirrors and completes the call
// without ever reaching firmware.
func (m *Mediator) resolveParams(vm *VMContext, arg *msg.Arg) error {
	for i := range arg.Params {
		p := &arg.Params[i]
		switch p.Attr & msg.AttrTypeMask {
		case msg.AttrTypeTMemInput, msg.AttrTypeTMemOutput, msg.AttrTypeTMemInout:
			if p.Attr&msg.AttrNonContig == 0 {
				if p.TMem.BufPtr != 0 {
					arg.Ret = msg.TEECErrorBadParameters
					arg.RetOrigin = msg.TEECOriginComms
					return shm.ErrBadParameters
				}
				continue
			}
			if err := m.resolveNonContigParam(vm, arg, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mediator) resolveNonContigParam(vm *VMContext, arg *msg.Arg, p *msg.Param) error {
	if p.TMem.BufPtr == 0 {
		return nil
	}

	headGPA := memory.GPA(p.TMem.BufPtr)
	offset := memory.PageOffset(p.TMem.BufPtr)

	buf, err := shm.Build(vm.gw, vm.gw, headGPA, p.TMem.Size, p.TMem.ShmRef, vm.reg.SHMPageCount())
	if err != nil {
		if err == shm.ErrOutOfMemory {
			arg.Ret = msg.TEECErrorOutOfMemory
		} else {
			arg.Ret = msg.TEECErrorBadParameters
		}
		arg.RetOrigin = msg.TEECOriginComms
		return err
	}

	if err := vm.reg.EnlistSHMBuf(buf); err != nil {
		arg.Ret = msg.TEECErrorBadParameters
		arg.RetOrigin = msg.TEECOriginComms
		return err
	}

	p.TMem.BufPtr = buf.HeadPhysWithOffset(offset)
	return nil
}

// mirrorOutputs copies the output-bearing fields of call.ShadowArg back into
// the guest's own argument page (spec.md §4.6): top-level ret/ret_origin/
// session, and per-parameter output sizes/values, nothing else.
func (m *Mediator) mirrorOutputs(vm *VMContext, call *registry.StdCall) {
	raw := vm.gw.ReadPage(call.GuestArgGPA)
	if raw == nil {
		return
	}
	guestArg := msg.DecodeArg(raw)

	guestArg.Ret = call.ShadowArg.Ret
	guestArg.RetOrigin = call.ShadowArg.RetOrigin
	guestArg.Session = call.ShadowArg.Session

	for i := range guestArg.Params {
		if i >= len(call.ShadowArg.Params) {
			break
		}
		sp := call.ShadowArg.Params[i]
		switch guestArg.Params[i].Attr & msg.AttrTypeMask {
		case msg.AttrTypeTMemOutput, msg.AttrTypeTMemInout:
			guestArg.Params[i].TMem.Size = sp.TMem.Size
		case msg.AttrTypeRMemOutput, msg.AttrTypeRMemInout:
			guestArg.Params[i].RMem.Size = sp.RMem.Size
		case msg.AttrTypeValueOutput, msg.AttrTypeValueInout:
			guestArg.Params[i].Value = sp.Value
		}
	}

	vm.gw.WritePage(call.GuestArgGPA, msg.EncodeArg(guestArg))
}

// releaseOnCompletion applies the terminal-command cleanup rule (spec.md
// §4.4): REGISTER_SHM on success keeps the buffer but frees its shadow
// page_data chain; REGISTER_SHM on failure and UNREGISTER_SHM both fully
// release the buffer; everything else frees every TMEM buffer the call
// itself resolved, since those buffers never outlive a single invocation.
func (m *Mediator) releaseOnCompletion(vm *VMContext, call *registry.StdCall) {
	arg := call.ShadowArg
	switch arg.Cmd {
	case msg.CmdRegisterSHM:
		cookie := registerSHMCookie(arg)
		if arg.Ret == msg.ReturnOK {
			vm.reg.DropSHMBufShadowChain(cookie)
		} else {
			vm.reg.DelistSHMBuf(cookie)
		}
	case msg.CmdUnregisterSHM:
		if len(arg.Params) > 0 {
			vm.reg.DelistSHMBuf(arg.Params[0].RMem.ShmRef)
		}
	default:
		for _, p := range arg.Params {
			switch p.Attr & msg.AttrTypeMask {
			case msg.AttrTypeTMemInput, msg.AttrTypeTMemOutput, msg.AttrTypeTMemInout:
				if p.Attr&msg.AttrNonContig != 0 {
					vm.reg.DelistSHMBuf(p.TMem.ShmRef)
				}
			}
		}
	}
}

// registerSHMCookie extracts the cookie a successful REGISTER_SHM call
// resolved its buffer under: the ShmRef of its first (and only) TMEM param.
func registerSHMCookie(arg *msg.Arg) uint64 {
	if len(arg.Params) == 0 {
		return 0
	}
	return arg.Params[0].TMem.ShmRef
}

func (m *Mediator) refreshVMGauges(vm *VMContext) {
	if m.metrics == nil {
		return
	}
	m.metrics.setVMGauges(vm.VMID, vm.reg.SHMPageCount(), vm.reg.CallCount())
}
