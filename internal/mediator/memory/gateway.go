// Package memory implements the guest memory gateway (spec.md §4.1): guest
// page pinning and guest-physical-to-host address translation. It is the
// only place in the module that is allowed to know how a guest-physical
// address maps onto real host memory.
package memory

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

var memLogger = logrus.WithField("subsystem", "guest-memory")

// SetLogger rebinds the package logger, keeping any fields already attached.
func SetLogger(logger *logrus.Entry) {
	fields := memLogger.Data
	memLogger = logger.WithFields(fields)
}

// ErrRetry is returned by Pin when the guest frame backing gpa is not
// currently mapped; the caller may retry later.
var ErrRetry = errors.New("guest frame not currently mapped")

// GPA, HVA and HPA are the three address spaces the gateway translates
// between. All three are opaque 64-bit addresses; none may be dereferenced
// directly outside this package.
type (
	GPA uint64
	HVA uint64
	HPA uint64
)

// PageOffset returns the offset of addr within its containing page.
func PageOffset(addr uint64) uint64 {
	return addr & (msg.PageSize - 1)
}

// PageBase returns addr with its page offset cleared.
func PageBase(addr uint64) uint64 {
	return addr &^ (msg.PageSize - 1)
}

// CheckHostPageSize validates that the host's page size is at least
// msg.PageSize, the precondition spec.md §6 requires at init time.
func CheckHostPageSize() error {
	if got := unix.Getpagesize(); got < msg.PageSize {
		return errors.Errorf("host page size %d smaller than OPTEE_MSG_NONCONTIG_PAGE_SIZE %d", got, msg.PageSize)
	}
	return nil
}

// Gateway is the per-VM guest memory gateway owned by a VM context. It
// borrows (pins) guest pages for the lifetime of whatever call or buffer
// references them; owners must pair every Pin with exactly one Unpin.
type Gateway interface {
	// Pin pins the host page backing gpa so the firmware may retain a
	// reference to it beyond this call. Returns ErrRetry if the guest
	// frame is not currently mapped.
	Pin(gpa GPA) error

	// Unpin reverses a prior Pin. Safe no-op if the page is not present.
	Unpin(gpa GPA)

	// GPAToHVA resolves gpa to the host-virtual address of the first byte
	// of its containing page, or 0 on failure. Callers preserve the page
	// offset themselves.
	GPAToHVA(gpa GPA) HVA

	// GPAToHPA resolves gpa to the host-physical address of the first byte
	// of its containing page, or 0 on failure.
	GPAToHPA(gpa GPA) HPA

	// ReadPage returns a copy of the PageSize bytes backing the page
	// containing gpa, or nil if the frame is not mapped. Stands in for
	// copy_from_guest against the resolved host-virtual address.
	ReadPage(gpa GPA) []byte

	// WritePage copies data (truncated/zero-padded to PageSize) into the
	// page containing gpa. No-op if the frame is not mapped. Stands in for
	// copy_to_guest / direct hva writes used by output mirroring.
	WritePage(gpa GPA, data []byte)
}

// ShadowAllocator hands out host-physical addresses for mediator-owned
// page_data records: the TEE-readable physical page-table chain built by
// the SHM shadow builder (spec.md §4.3). It models the kernel's
// kzalloc()/virt_to_phys() pair — the mediator never exposes a host-virtual
// pointer for one of these records across the firmware boundary, only the
// physical address.
type ShadowAllocator interface {
	AllocShadowPage() HPA
}

// ShadowMemory extends ShadowAllocator with the ability to read and write
// the content of a mediator-owned physical page by its HPA. This is the
// same physical address space the firmware dereferences, so a Firmware
// implementation under test resolves the phys pointers it is handed (the
// shadow argument page, shadow page_data chains) through this interface.
type ShadowMemory interface {
	ShadowAllocator

	ReadShadow(hpa HPA) []byte
	WriteShadow(hpa HPA, data []byte)
}

// System is a guest memory gateway that also owns the mediator's physical
// shadow-page pool: the one concrete implementation (SimGateway) a VM
// context is built from.
type System interface {
	Gateway
	ShadowMemory
}
