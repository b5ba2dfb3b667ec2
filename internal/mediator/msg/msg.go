// Package msg defines the OP-TEE message-protocol constants and wire types
// shared between the guest, the mediator and the firmware: SMC function
// numbers, return codes, message commands, parameter attribute bits and the
// register snapshot used to re-enter the firmware after an RPC suspension.
//
// These mirror optee_msg.h / optee_smc.h from the Linux OP-TEE driver; they
// are not derived from any example repo because they are a fixed wire
// format, not implementation choice.
package msg

// PageSize is OPTEE_MSG_NONCONTIG_PAGE_SIZE, the unit the non-contiguous
// page-list protocol operates in. The host page size must be >= this value.
const PageSize = 4096

// BufferEntries is OPTEE_BUFFER_ENTRIES: the number of physical page
// addresses that fit in one page_data record alongside its next-pointer.
const BufferEntries = (PageSize / 8) - 1

// MaxSHMBufferPages is OPTEE_MAX_SHM_BUFFER_PAGES: the per-VM cap on pinned
// SHM pages.
const MaxSHMBufferPages = 512

// HypClientVMID and HostVMID are the two reserved VMIDs; guest VMIDs start
// at FirstGuestVMID.
const (
	HypClientVMID  = 0
	HostVMID       = 1
	FirstGuestVMID = 2
)

// ThreadIDNone is the sentinel thread_id value for a standard call that has
// never been suspended into an RPC.
const ThreadIDNone uint32 = 0xFFFFFFFF

// SMC function numbers (ARM_SMCCC_FUNC_NUM(a0) space), OPTEE_SMC_FUNCID_*.
const (
	FuncCallsCount          uint32 = 0xFF00
	FuncCallsUID            uint32 = 0xFF01
	FuncCallsRevision       uint32 = 0xFF03
	FuncGetOSUUID           uint32 = 0x0000
	FuncGetOSRevision       uint32 = 0x0001
	FuncCallWithArg         uint32 = 0x0004
	FuncGetThreadCount      uint32 = 0x0007
	FuncExchangeCapabilities uint32 = 0x0009
	FuncDisableSHMCache     uint32 = 0x000A
	FuncEnableSHMCache      uint32 = 0x000B
	FuncReturnFromRPC       uint32 = 0x0003
	FuncEnableAsyncNotif    uint32 = 0x000D
	FuncGetAsyncNotifValue  uint32 = 0x000E
	FuncVMCreated           uint32 = 0x0010
	FuncVMDestroyed         uint32 = 0x0011
)

// Return codes, OPTEE_SMC_RETURN_*.
const (
	ReturnOK              uint32 = 0x0
	ReturnETHREADLimit    uint32 = 0x1
	ReturnEBadAddr        uint32 = 0x2
	ReturnEBadCmd         uint32 = 0x3
	ReturnENoMem          uint32 = 0x5
	ReturnENotAvail       uint32 = 0x6
	ReturnUnknownFunction uint32 = 0xFFFFFFFF
	ReturnERestart        uint32 = 0xFFFFFFFE // internal sentinel, never crosses the guest boundary
	ReturnEResume         uint32 = 0x7

	rpcReturnBase uint32 = 0xFFFF0000
)

// IsRPC reports whether a0 encodes an RPC request from the firmware rather
// than a terminal return code.
func IsRPC(a0 uint32) bool {
	return a0&rpcReturnBase == rpcReturnBase && a0 != ReturnUnknownFunction
}

// RPCFunc extracts OPTEE_SMC_RETURN_GET_RPC_FUNC(a0).
func RPCFunc(a0 uint32) uint32 {
	return a0 &^ rpcReturnBase
}

// RPC function codes, OPTEE_SMC_RPC_FUNC_*.
const (
	RPCFuncAlloc       uint32 = rpcReturnBase | 0x0
	RPCFuncFree        uint32 = rpcReturnBase | 0x2
	RPCFuncForeignIntr uint32 = rpcReturnBase | 0x4
	RPCFuncCmd         uint32 = rpcReturnBase | 0x5
)

// RPC command codes carried in an RPC argument page, OPTEE_RPC_CMD_*.
const (
	RPCCmdSHMAlloc uint32 = 6
	RPCCmdSHMFree  uint32 = 7
)

// Standard-call commands, OPTEE_MSG_CMD_*.
const (
	CmdOpenSession    uint32 = 0
	CmdInvokeCommand  uint32 = 1
	CmdCloseSession   uint32 = 2
	CmdCancel         uint32 = 3
	CmdRegisterSHM    uint32 = 4
	CmdUnregisterSHM  uint32 = 5
)

// SHMCached is the a3 value passed alongside a shadow arg pointer so the
// firmware knows the argument page is in cached memory.
const SHMCached uint32 = 1

// Capability masks, OPTEE_SMC_{NSEC,SEC}_CAP_*.
const (
	NSecCapUniprocessor uint32 = 1 << 0

	SecCapHaveReservedSHM  uint32 = 1 << 0
	SecCapUnregisteredSHM  uint32 = 1 << 1
	SecCapDynamicSHM       uint32 = 1 << 2
	SecCapMemrefNull       uint32 = 1 << 3

	KnownNSecCaps = NSecCapUniprocessor
	KnownSecCaps  = SecCapHaveReservedSHM | SecCapUnregisteredSHM | SecCapDynamicSHM | SecCapMemrefNull
)

// TEEC protocol-level error codes written into the guest-visible arg page's
// ret/ret_origin fields, never returned as SMC return codes.
const (
	TEECErrorCommunication uint32 = 0xFFFF0001
	TEECErrorBadParameters uint32 = 0xFFFF0006
	TEECErrorOutOfMemory   uint32 = 0xFFFF000C
	TEECOriginComms        uint32 = 0x00000002
)

// Param attribute bits, OPTEE_MSG_ATTR_*.
const (
	AttrTypeMask uint64 = 0xFF

	AttrTypeNone        uint64 = 0x0
	AttrTypeValueInput  uint64 = 0x1
	AttrTypeValueOutput uint64 = 0x2
	AttrTypeValueInout  uint64 = 0x3
	AttrTypeRMemInput   uint64 = 0x5
	AttrTypeRMemOutput  uint64 = 0x6
	AttrTypeRMemInout   uint64 = 0x7
	AttrTypeTMemInput   uint64 = 0x9
	AttrTypeTMemOutput  uint64 = 0xA
	AttrTypeTMemInout   uint64 = 0xB

	AttrNonContig uint64 = 1 << 8
)

// Regs is the architectural guest register snapshot (a0..a7) mirroring the
// secure-monitor calling convention.
type Regs struct {
	A0, A1, A2, A3, A4, A5, A6, A7 uint32
}

// RegPairToPtr reassembles a 64-bit value split across two 32-bit registers,
// the way OP-TEE packs pointers and cookies into register pairs.
func RegPairToPtr(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// RegPairFromPtr splits a 64-bit value into the hi/lo register pair OP-TEE
// expects.
func RegPairFromPtr(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

// Arg is the guest/shadow message argument page header (struct optee_msg_arg).
// NumParams indicates how many Params entries are valid; the remainder of
// the page beyond the header is the Params array.
type Arg struct {
	Cmd       uint32
	Func      uint32
	Session   uint32
	Cancel    uint32
	Ret       uint32
	RetOrigin uint32
	NumParams uint32

	Params []Param
}

// ArgHeaderSize and ParamSize give the wire layout this package's
// codec.go uses to (de)serialize an Arg to/from a shadow or guest page.
const (
	ArgHeaderSize = 28 // seven uint32 header fields
	ParamSize     = 32 // 8-byte attr + 24-byte payload union
)

// ArgSize returns OPTEE_MSG_GET_ARG_SIZE(numParams): the header plus
// numParams param slots, used to reject oversized argument pages.
func ArgSize(numParams uint32) uint32 {
	return ArgHeaderSize + numParams*ParamSize
}

// TMemParam is the tagged-memory parameter payload.
type TMemParam struct {
	BufPtr uint64
	Size   uint64
	ShmRef uint64
}

// RMemParam is the registered-memory parameter payload.
type RMemParam struct {
	Offset uint64
	Size   uint64
	ShmRef uint64
}

// ValueParam is the inline value parameter payload.
type ValueParam struct {
	A, B, C uint64
}

// Param is one message parameter slot. Exactly one of TMem/RMem/Value is
// meaningful, selected by Attr & AttrTypeMask.
type Param struct {
	Attr  uint64
	TMem  TMemParam
	RMem  RMemParam
	Value ValueParam
}

// PageData is the TEE-readable non-contiguous page-list record (struct
// page_data): a fixed array of physical page addresses plus a physical link
// to the next record in the chain.
type PageData struct {
	Pages        [BufferEntries]uint64
	NextPageData uint64
}
