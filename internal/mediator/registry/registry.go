// Package registry implements the per-VM call registry (spec.md §4.2): the
// concurrency-safe std-call, SHM-buffer and SHM-RPC lists keyed by
// thread_id and cookie, plus the page-pin and counter bookkeeping that goes
// with enlisting and delisting them.
//
// Grounded on optee_mediator_{enlist,delist,find}_* in
// original_source/drivers/tee/optee/optee_mediator.c, re-expressed per
// spec.md §9: any O(1)-insert/O(n)-scan mapping is an acceptable stand-in
// for the original's intrusive linked lists, and a single mutex covers all
// three collections the way optee_vm_context.lock does.
package registry

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
	"github.com/kata-containers/optee-mediator/internal/mediator/shm"
)

var regLogger = logrus.WithField("subsystem", "call-registry")

// SetLogger rebinds the package logger, keeping any fields already attached.
func SetLogger(logger *logrus.Entry) {
	fields := regLogger.Data
	regLogger = logger.WithFields(fields)
}

// ErrCookieInUse is returned when enlisting an SHM buffer or SHM RPC whose
// cookie already names a live entry in the same list (spec.md §8 invariant 4).
var ErrCookieInUse = errors.New("cookie already in use")

// ErrNotFound is returned by SetThreadID when the call is not registered.
var ErrNotFound = errors.New("not found")

// StdCall is one in-flight guest→TEE standard call (spec.md §3 "Standard
// call"). ThreadID is msg.ThreadIDNone until the firmware assigns one on
// the call's first RPC suspension.
type StdCall struct {
	// ID is the registry's internal handle for this call, populated by
	// EnlistStdCall. Callers address SetThreadID/DelistStdCall by it rather
	// than by ThreadID, which mutates over the call's lifetime.
	ID uint64

	GuestArgGPA memory.GPA
	ShadowHPA   memory.HPA
	ShadowArg   *msg.Arg

	ThreadID uint32
	RPCFunc  uint32
	RPCState msg.Regs
}

// ShmRPC is a firmware-allocated RPC argument buffer (spec.md §3 "SHM RPC").
type ShmRPC struct {
	ArgGPA memory.GPA
	Cookie uint64
}

// Registry is the call registry owned by one VM context. All three
// collections share a single mutex, matching optee_vm_context.lock; pinning
// and unpinning guest pages always happens outside that lock since it may
// sleep (spec.md §5).
type Registry struct {
	mu sync.Mutex

	gw    memory.Gateway
	alloc memory.ShadowAllocator

	nextCallID  uint64
	stdCalls    map[uint64]*StdCall
	stdByThread map[uint32]uint64

	shmBufs map[uint64]*shm.Buf
	shmRPCs map[uint64]*ShmRPC

	callCount    int
	shmPageCount uint64
}

// New returns an empty registry backed by the given guest memory gateway and
// shadow-page allocator.
func New(gw memory.Gateway, alloc memory.ShadowAllocator) *Registry {
	return &Registry{
		gw:          gw,
		alloc:       alloc,
		stdCalls:    make(map[uint64]*StdCall),
		stdByThread: make(map[uint32]uint64),
		shmBufs:     make(map[uint64]*shm.Buf),
		shmRPCs:     make(map[uint64]*ShmRPC),
	}
}

// CallCount returns the VM's current in-flight standard-call count.
func (r *Registry) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callCount
}

// SHMPageCount returns the VM's current pinned-SHM-page tally.
func (r *Registry) SHMPageCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shmPageCount
}

// EnlistStdCall adds call to the registry, stamps its ID, and pins its
// argument page.
func (r *Registry) EnlistStdCall(call *StdCall) {
	r.mu.Lock()
	r.nextCallID++
	call.ID = r.nextCallID
	r.stdCalls[call.ID] = call
	r.callCount++
	r.mu.Unlock()

	if err := r.gw.Pin(call.GuestArgGPA); err != nil {
		regLogger.WithError(err).WithField("gpa", call.GuestArgGPA).Warn("pin of std-call argument page failed")
	}
}

// DelistStdCall removes call and unpins its argument page. No-op if call.ID
// is unknown (already delisted).
func (r *Registry) DelistStdCall(call *StdCall) {
	r.mu.Lock()
	if _, ok := r.stdCalls[call.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.stdCalls, call.ID)
	if call.ThreadID != msg.ThreadIDNone {
		delete(r.stdByThread, call.ThreadID)
	}
	r.callCount--
	r.mu.Unlock()

	r.gw.Unpin(call.GuestArgGPA)
}

// SetThreadID records the firmware-assigned thread_id for call, updating the
// secondary lookup index used by FindStdCallByThreadID. Passing
// msg.ThreadIDNone clears the index entry (spec.md: the sentinel means
// "never suspended" / "currently in firmware", neither of which is ever
// looked up by thread id).
func (r *Registry) SetThreadID(call *StdCall, threadID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stdCalls[call.ID]; !ok {
		return ErrNotFound
	}
	if call.ThreadID != msg.ThreadIDNone {
		delete(r.stdByThread, call.ThreadID)
	}
	call.ThreadID = threadID
	if threadID != msg.ThreadIDNone {
		r.stdByThread[threadID] = call.ID
	}
	return nil
}

// FindStdCallByThreadID looks up the in-flight call currently suspended
// under threadID.
func (r *Registry) FindStdCallByThreadID(threadID uint32) (*StdCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.stdByThread[threadID]
	if !ok {
		return nil, false
	}
	return r.stdCalls[id], true
}

// EnlistSHMBuf adds buf to the registry, rejects cookie reuse, and pins
// every guest page it references.
func (r *Registry) EnlistSHMBuf(buf *shm.Buf) error {
	r.mu.Lock()
	if _, exists := r.shmBufs[buf.Cookie]; exists {
		r.mu.Unlock()
		return ErrCookieInUse
	}
	r.shmBufs[buf.Cookie] = buf
	r.shmPageCount += buf.NumPages
	r.mu.Unlock()

	for _, gpa := range buf.GuestPages {
		if err := r.gw.Pin(gpa); err != nil {
			regLogger.WithError(err).WithField("gpa", gpa).Warn("pin of shm buffer page failed")
		}
	}
	return nil
}

// FindSHMBuf looks up an SHM buffer by cookie.
func (r *Registry) FindSHMBuf(cookie uint64) (*shm.Buf, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.shmBufs[cookie]
	return buf, ok
}

// DelistSHMBuf removes and returns the SHM buffer named by cookie, unpinning
// every guest page it referenced and freeing its shadow chain.
func (r *Registry) DelistSHMBuf(cookie uint64) (*shm.Buf, bool) {
	r.mu.Lock()
	buf, ok := r.shmBufs[cookie]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.shmBufs, cookie)
	r.shmPageCount -= buf.NumPages
	r.mu.Unlock()

	for _, gpa := range buf.GuestPages {
		r.gw.Unpin(gpa)
	}
	r.freeShadowChain(buf)
	return buf, true
}

// DropSHMBufShadowChain frees only the page_data shadow records of the
// buffer named by cookie, keeping the buffer (and its pinned pages) live in
// the registry. This is the REGISTER_SHM success path (spec.md §4.4): only
// the page_data records are freed, pages remain pinned, the cookie remains
// live for a later UNREGISTER_SHM.
func (r *Registry) DropSHMBufShadowChain(cookie uint64) {
	r.mu.Lock()
	buf, ok := r.shmBufs[cookie]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.freeShadowChain(buf)
}

func (r *Registry) freeShadowChain(buf *shm.Buf) {
	if mem, ok := r.alloc.(memory.ShadowMemory); ok {
		for _, hpa := range buf.ShadowHPAs {
			if freer, ok := mem.(interface{ FreeShadowPage(memory.HPA) }); ok {
				freer.FreeShadowPage(hpa)
			}
		}
	}
	buf.ShadowChain = nil
	buf.ShadowHPAs = nil
}

// EnlistSHMRPC adds rpc to the registry, rejects cookie reuse, and pins its
// argument page.
func (r *Registry) EnlistSHMRPC(rpc *ShmRPC) error {
	r.mu.Lock()
	if _, exists := r.shmRPCs[rpc.Cookie]; exists {
		r.mu.Unlock()
		return ErrCookieInUse
	}
	r.shmRPCs[rpc.Cookie] = rpc
	r.mu.Unlock()

	if err := r.gw.Pin(rpc.ArgGPA); err != nil {
		regLogger.WithError(err).WithField("gpa", rpc.ArgGPA).Warn("pin of shm-rpc argument page failed")
	}
	return nil
}

// FindSHMRPC looks up an SHM RPC buffer by cookie.
func (r *Registry) FindSHMRPC(cookie uint64) (*ShmRPC, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rpc, ok := r.shmRPCs[cookie]
	return rpc, ok
}

// DelistSHMRPC removes and returns the SHM RPC named by cookie, unpinning
// its argument page.
func (r *Registry) DelistSHMRPC(cookie uint64) (*ShmRPC, bool) {
	r.mu.Lock()
	rpc, ok := r.shmRPCs[cookie]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.shmRPCs, cookie)
	r.mu.Unlock()

	r.gw.Unpin(rpc.ArgGPA)
	return rpc, true
}

// Teardown delists and returns every std call, SHM buffer and SHM RPC still
// registered, unpinning all their guest pages. Used by VM destruction
// (spec.md §8 scenario S8): after it returns, every counter reads zero.
func (r *Registry) Teardown() (calls []*StdCall, bufs []*shm.Buf, rpcs []*ShmRPC) {
	r.mu.Lock()
	for _, c := range r.stdCalls {
		calls = append(calls, c)
	}
	for _, b := range r.shmBufs {
		bufs = append(bufs, b)
	}
	for _, p := range r.shmRPCs {
		rpcs = append(rpcs, p)
	}
	r.stdCalls = make(map[uint64]*StdCall)
	r.stdByThread = make(map[uint32]uint64)
	r.shmBufs = make(map[uint64]*shm.Buf)
	r.shmRPCs = make(map[uint64]*ShmRPC)
	r.callCount = 0
	r.shmPageCount = 0
	r.mu.Unlock()

	for _, c := range calls {
		r.gw.Unpin(c.GuestArgGPA)
	}
	for _, b := range bufs {
		for _, gpa := range b.GuestPages {
			r.gw.Unpin(gpa)
		}
		r.freeShadowChain(b)
	}
	for _, p := range rpcs {
		r.gw.Unpin(p.ArgGPA)
	}
	return calls, bufs, rpcs
}
