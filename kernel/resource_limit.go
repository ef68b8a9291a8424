package kernel

// ResourceType is a resource a ResourceLimit accounts for.
type ResourceType uint32

const (
	ResourcePhysicalMemory ResourceType = iota
	ResourceThreads
	ResourceEvents
	ResourceTransferMemory
	ResourceSessions

	resourceTypeCount
)

func (r ResourceType) String() string {
	switch r {
	case ResourcePhysicalMemory:
		return "PhysicalMemory"
	case ResourceThreads:
		return "Threads"
	case ResourceEvents:
		return "Events"
	case ResourceTransferMemory:
		return "TransferMemory"
	case ResourceSessions:
		return "Sessions"
	default:
		return "Unknown"
	}
}

// ResourceLimit caps how much of each resource its users may hold.
type ResourceLimit struct {
	objectBase
	limit   [resourceTypeCount]int64
	current [resourceTypeCount]int64
}

func NewResourceLimit(k *KernelCore, name string) *ResourceLimit {
	return &ResourceLimit{objectBase: objectBase{id: k.nextObjectID(), name: name}}
}

func (r *ResourceLimit) TypeName() string       { return "ResourceLimit" }
func (r *ResourceLimit) HandleType() HandleType { return HandleTypeResourceLimit }

func (r *ResourceLimit) SetLimitValue(res ResourceType, value int64) error {
	if res >= resourceTypeCount {
		return ErrInvalidEnumValue
	}
	if r.current[res] > value {
		return ErrInvalidState
	}
	r.limit[res] = value
	return nil
}

func (r *ResourceLimit) MaxResourceValue(res ResourceType) int64 {
	if res >= resourceTypeCount {
		return 0
	}
	return r.limit[res]
}

func (r *ResourceLimit) CurrentResourceValue(res ResourceType) int64 {
	if res >= resourceTypeCount {
		return 0
	}
	return r.current[res]
}

// Reserve takes n units of res, reporting false if that would exceed the limit.
func (r *ResourceLimit) Reserve(res ResourceType, n int64) bool {
	if res >= resourceTypeCount || n < 0 {
		return false
	}
	if r.current[res]+n > r.limit[res] {
		return false
	}
	r.current[res] += n
	return true
}

func (r *ResourceLimit) Release(res ResourceType, n int64) {
	if res >= resourceTypeCount {
		return
	}
	r.current[res] -= n
	if r.current[res] < 0 {
		r.current[res] = 0
	}
}
