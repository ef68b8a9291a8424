package kernel

import "fmt"

// ResultCode is a console result value: module in bits 0-8, description in
// bits 9-21. Zero is success.
type ResultCode uint32

const moduleKernel = 1

func kernelResult(description uint32) ResultCode {
	return ResultCode(moduleKernel | description<<9)
}

const ResultSuccess ResultCode = 0

var (
	ErrMaxConnectionsReached       = kernelResult(7)
	ErrInvalidCapabilityDescriptor = kernelResult(14)
	ErrInvalidSize                 = kernelResult(101)
	ErrInvalidAddress              = kernelResult(102)
	ErrOutOfMemory                 = kernelResult(104)
	ErrHandleTableFull             = kernelResult(105)
	ErrInvalidAddressState         = kernelResult(106)
	ErrInvalidMemoryPermissions    = kernelResult(108)
	ErrInvalidMemoryRange          = kernelResult(110)
	ErrInvalidThreadPriority       = kernelResult(112)
	ErrInvalidProcessorID          = kernelResult(113)
	ErrInvalidHandle               = kernelResult(114)
	ErrInvalidPointer              = kernelResult(115)
	ErrInvalidCombination          = kernelResult(116)
	ResultTimeout                  = kernelResult(117)
	ErrSynchronizationCanceled     = kernelResult(118)
	ErrOutOfRange                  = kernelResult(119)
	ErrInvalidEnumValue            = kernelResult(120)
	ErrNotFound                    = kernelResult(121)
	ErrAlreadyRegistered           = kernelResult(122)
	ErrSessionClosedByRemote       = kernelResult(123)
	ErrInvalidState                = kernelResult(125)
	ErrResourceLimitExceeded       = kernelResult(132)
)

func (r ResultCode) Module() uint32      { return uint32(r) & 0x1FF }
func (r ResultCode) Description() uint32 { return (uint32(r) >> 9) & 0x1FFF }
func (r ResultCode) IsSuccess() bool     { return r == ResultSuccess }
func (r ResultCode) IsError() bool       { return r != ResultSuccess }

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ErrMaxConnectionsReached:
		return "max connections reached"
	case ErrInvalidCapabilityDescriptor:
		return "invalid capability descriptor"
	case ErrInvalidSize:
		return "invalid size"
	case ErrInvalidAddress:
		return "invalid address"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrHandleTableFull:
		return "handle table full"
	case ErrInvalidAddressState:
		return "invalid address state"
	case ErrInvalidMemoryPermissions:
		return "invalid memory permissions"
	case ErrInvalidMemoryRange:
		return "invalid memory range"
	case ErrInvalidThreadPriority:
		return "invalid thread priority"
	case ErrInvalidProcessorID:
		return "invalid processor id"
	case ErrInvalidHandle:
		return "invalid handle"
	case ErrInvalidPointer:
		return "invalid pointer"
	case ErrInvalidCombination:
		return "invalid combination"
	case ResultTimeout:
		return "timeout"
	case ErrSynchronizationCanceled:
		return "synchronization canceled"
	case ErrOutOfRange:
		return "out of range"
	case ErrInvalidEnumValue:
		return "invalid enum value"
	case ErrNotFound:
		return "not found"
	case ErrAlreadyRegistered:
		return "already registered"
	case ErrSessionClosedByRemote:
		return "session closed by remote"
	case ErrInvalidState:
		return "invalid state"
	case ErrResourceLimitExceeded:
		return "resource limit exceeded"
	default:
		return fmt.Sprintf("result 0x%08X (module %d, description %d)", uint32(r), r.Module(), r.Description())
	}
}

func (r ResultCode) Error() string { return "kernel: " + r.String() }

// ResultOf converts an error returned by a kernel operation into the raw
// value written back to guest registers.
func ResultOf(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	if rc, ok := err.(ResultCode); ok {
		return rc
	}
	return ErrInvalidState
}
