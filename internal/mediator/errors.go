package mediator

import "github.com/pkg/errors"

// Host-level errors (§7 "Programmer errors" / "Firmware unavailability").
// These never cross the guest boundary; they are returned to the operations
// table shim (create_vm/destroy_vm callers) as plain Go errors.
var (
	ErrNilHandle        = errors.New("nil guest handle")
	ErrVMNotFound       = errors.New("no VM context for handle")
	ErrVMBusy           = errors.New("firmware refused VM creation")
	ErrFirmwareNotReady = errors.New("firmware did not acknowledge VM_DESTROYED probe")
	ErrPageSizeTooLarge = errors.New("OPTEE_MSG_NONCONTIG_PAGE_SIZE exceeds host page size")
)
