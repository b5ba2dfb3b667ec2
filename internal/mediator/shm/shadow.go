// Package shm implements the non-contiguous SHM shadow builder (spec.md
// §4.3): it walks a guest-provided page_data chain and produces a
// firmware-owned parallel chain holding host-physical addresses, pinning
// every guest page it touches.
//
// Grounded on original_source/drivers/tee/optee/optee_mediator.c's
// optee_mediator_resolve_noncontig, re-expressed per spec.md §9's guidance
// to model raw pointer fields as opaque addresses translated explicitly by
// the guest memory gateway.
package shm

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

var shmLogger = logrus.WithField("subsystem", "shm-shadow")

// SetLogger rebinds the package logger, keeping any fields already attached.
func SetLogger(logger *logrus.Entry) {
	fields := shmLogger.Data
	shmLogger = logger.WithFields(fields)
}

// ErrOutOfMemory is returned when building the buffer would push the owning
// VM's pinned-page tally past msg.MaxSHMBufferPages.
var ErrOutOfMemory = errors.New("shm buffer would exceed per-VM page cap")

// ErrBadParameters is returned when the guest-supplied page_data chain is
// malformed: a translation failure, or the chain terminating before the
// expected number of records.
var ErrBadParameters = errors.New("malformed non-contiguous page list")

// Buf is one SHM buffer: a guest-supplied region described as a chain of
// page_data records, converted into a mediator-owned shadow chain the TEE
// can read directly.
type Buf struct {
	Cookie uint64

	// GuestPages lists every guest page pinned on behalf of this buffer,
	// compacted (empty/zero slots in the original chain are not pinned and
	// are not represented here).
	GuestPages []memory.GPA

	// NumPages is the number of page-table slots the buffer reserves
	// against the VM's page cap — spec.md's invariant ties
	// shm_buf_page_count to the sum of this field, not to len(GuestPages),
	// since zero slots still occupy a reserved entry in the chain.
	NumPages uint64

	// ShadowChain is the mediator-owned page_data chain the TEE reads.
	// ShadowChain[i].NextPageData == uint64(ShadowHPAs[i+1]) for i<N-1 and
	// 0 for the last record (spec.md §8 invariant 6).
	ShadowChain []*msg.PageData

	// ShadowHPAs[i] is the host-physical address of ShadowChain[i].
	ShadowHPAs []memory.HPA
}

// HeadPhysWithOffset returns the physical address to write back into the
// parameter's buf_ptr field: the first shadow record's physical address,
// with the original buffer's page offset preserved.
func (b *Buf) HeadPhysWithOffset(offset uint64) uint64 {
	return uint64(b.ShadowHPAs[0]) | offset
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// Build walks the guest page_data chain rooted at headGPA, translating
// size+offset worth of guest pages into a new shadow chain. currentPages is
// the VM's current shm_buf_page_count, used to enforce the per-VM cap before
// any allocation happens. It does not pin any guest page or mutate VM
// state; the caller (the call registry) enlists the returned Buf, which is
// what performs the pinning (spec.md §4.2).
func Build(gw memory.Gateway, alloc memory.ShadowAllocator, headGPA memory.GPA, size uint64, cookie uint64, currentPages uint64) (*Buf, error) {
	offset := memory.PageOffset(uint64(headGPA))
	numEntries := ceilDiv(size+offset, msg.PageSize)

	if currentPages+numEntries > msg.MaxSHMBufferPages {
		return nil, ErrOutOfMemory
	}

	numBuffers := ceilDiv(numEntries, msg.BufferEntries)

	shadowChain := make([]*msg.PageData, 0, numBuffers)
	shadowHPAs := make([]memory.HPA, 0, numBuffers)
	guestPages := make([]memory.GPA, 0, numEntries)

	cur := headGPA
	var slot uint64

	for i := uint64(0); i < numBuffers; i++ {
		raw := gw.ReadPage(cur)
		if raw == nil {
			return nil, errors.Wrap(ErrBadParameters, "guest page_data record not mapped")
		}
		guestRecord := msg.DecodePageData(raw)

		shadowRecord := &msg.PageData{}
		for entry := 0; entry < msg.BufferEntries && slot < numEntries; entry, slot = entry+1, slot+1 {
			entryGPA := memory.GPA(guestRecord.Pages[entry])
			if entryGPA == 0 {
				continue
			}
			entryHVA := gw.GPAToHVA(entryGPA)
			if entryHVA == 0 {
				continue
			}
			entryHPA := gw.GPAToHPA(entryGPA)
			shadowRecord.Pages[entry] = uint64(entryHPA)
			guestPages = append(guestPages, entryGPA)
		}

		hpa := alloc.AllocShadowPage()
		if i > 0 {
			shadowChain[i-1].NextPageData = uint64(hpa)
		}
		shadowChain = append(shadowChain, shadowRecord)
		shadowHPAs = append(shadowHPAs, hpa)

		next := memory.GPA(guestRecord.NextPageData)
		if next == 0 && i != numBuffers-1 {
			return nil, errors.Wrap(ErrBadParameters, "guest page_data chain terminated early")
		}
		cur = next
	}

	if mem, ok := alloc.(memory.ShadowMemory); ok {
		for i, record := range shadowChain {
			mem.WriteShadow(shadowHPAs[i], msg.EncodePageData(record))
		}
	}

	return &Buf{
		Cookie:      cookie,
		GuestPages:  guestPages,
		NumPages:    numEntries,
		ShadowChain: shadowChain,
		ShadowHPAs:  shadowHPAs,
	}, nil
}
