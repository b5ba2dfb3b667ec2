package memory

import (
	"sync"

	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// frame models one guest page frame: the backing storage the mediator
// shadows from/to, its assigned host-physical address, and a pin refcount.
// This plays the role the teacher's kvm.physicalRegions / translateToPhysical
// table plays for gvisor's KVM platform: a host-side record of which guest
// addresses are currently backed by real memory.
type frame struct {
	hva    HVA
	hpa    HPA
	data   [msg.PageSize]byte
	pinned int
}

// SimGateway is a guest memory gateway over an in-process simulated guest
// address space. It stands in for the real gfn_to_memslot / pin_user_pages /
// gfn_to_page primitives of a KVM host, which require cgo bindings to the
// kernel and are out of scope for this module (see spec.md's "architecture-
// level trap" exclusion). Production wiring replaces this type with one
// backed by real KVM memslots; the Gateway interface is the seam.
type SimGateway struct {
	mu         sync.Mutex
	frames     map[GPA]*frame
	nextHPA    HPA
	nextShadow HPA
	shadow     map[HPA][]byte
}

// shadowHPABase separates mediator-owned shadow pages from guest frame HPAs
// so the two address ranges never collide in the simulation.
const shadowHPABase = HPA(1) << 40

// NewSimGateway returns an empty simulated gateway.
func NewSimGateway() *SimGateway {
	return &SimGateway{
		frames:     make(map[GPA]*frame),
		nextHPA:    HPA(0x1000),
		nextShadow: shadowHPABase,
		shadow:     make(map[HPA][]byte),
	}
}

// AllocShadowPage implements ShadowAllocator.
func (g *SimGateway) AllocShadowPage() HPA {
	g.mu.Lock()
	defer g.mu.Unlock()
	hpa := g.nextShadow
	g.nextShadow += msg.PageSize
	g.shadow[hpa] = make([]byte, msg.PageSize)
	return hpa
}

// ReadShadow implements ShadowMemory.
func (g *SimGateway) ReadShadow(hpa HPA) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.shadow[hpa]
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// WriteShadow implements ShadowMemory.
func (g *SimGateway) WriteShadow(hpa HPA, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf, ok := g.shadow[hpa]
	if !ok {
		return
	}
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

// FreeShadowPage releases a mediator-owned physical page, mirroring the
// kfree() call in the original driver when a shadow page_data record or
// shadow argument page is no longer needed.
func (g *SimGateway) FreeShadowPage(hpa HPA) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.shadow, hpa)
}

// MapPage registers a guest page frame as present, backed by zeroed memory,
// as if the guest had faulted it in. Returns the frame's HVA for test setup
// convenience (e.g. writing a page_data chain into it).
func (g *SimGateway) MapPage(gpa GPA) HVA {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := GPA(PageBase(uint64(gpa)))
	f, ok := g.frames[base]
	if !ok {
		f = &frame{hva: HVA(uintptr(base) | 0xFFFF000000000000), hpa: g.nextHPA}
		g.nextHPA += msg.PageSize
		g.frames[base] = f
	}
	return f.hva
}

// Unmap removes a frame entirely, as if the guest had released the page.
// Any outstanding pin is discarded along with it.
func (g *SimGateway) Unmap(gpa GPA) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.frames, GPA(PageBase(uint64(gpa))))
}

// Bytes returns the raw page contents backing gpa for direct read/write by
// callers that have already resolved an HVA, as copy_from_guest/
// copy_to_guest would.
func (g *SimGateway) Bytes(gpa GPA) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.frames[GPA(PageBase(uint64(gpa)))]
	if !ok {
		return nil
	}
	return f.data[:]
}

func (g *SimGateway) lookup(gpa GPA) (*frame, bool) {
	f, ok := g.frames[GPA(PageBase(uint64(gpa)))]
	return f, ok
}

// Pin implements Gateway.
func (g *SimGateway) Pin(gpa GPA) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.lookup(gpa)
	if !ok {
		return ErrRetry
	}
	f.pinned++
	return nil
}

// Unpin implements Gateway.
func (g *SimGateway) Unpin(gpa GPA) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.lookup(gpa)
	if !ok {
		return
	}
	if f.pinned > 0 {
		f.pinned--
	}
}

// GPAToHVA implements Gateway.
func (g *SimGateway) GPAToHVA(gpa GPA) HVA {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.lookup(gpa)
	if !ok {
		return 0
	}
	return f.hva
}

// GPAToHPA implements Gateway.
func (g *SimGateway) GPAToHPA(gpa GPA) HPA {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.lookup(gpa)
	if !ok {
		return 0
	}
	return f.hpa
}

// PinCount reports the current pin refcount for gpa, for tests asserting
// teardown totality (spec.md §8 invariant 8).
func (g *SimGateway) PinCount(gpa GPA) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.lookup(gpa)
	if !ok {
		return 0
	}
	return f.pinned
}

// ReadPage implements Gateway.
func (g *SimGateway) ReadPage(gpa GPA) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.lookup(gpa)
	if !ok {
		return nil
	}
	out := make([]byte, msg.PageSize)
	copy(out, f.data[:])
	return out
}

// WritePage implements Gateway.
func (g *SimGateway) WritePage(gpa GPA, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.lookup(gpa)
	if !ok {
		return
	}
	n := copy(f.data[:], data)
	for i := n; i < len(f.data); i++ {
		f.data[i] = 0
	}
}
