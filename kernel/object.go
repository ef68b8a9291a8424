package kernel

// HandleType identifies the concrete kind behind an Object.
type HandleType uint32

const (
	HandleTypeUnknown HandleType = iota
	HandleTypeWritableEvent
	HandleTypeReadableEvent
	HandleTypeMutex
	HandleTypeThread
	HandleTypeProcess
	HandleTypeResourceLimit
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeWritableEvent:
		return "WritableEvent"
	case HandleTypeReadableEvent:
		return "ReadableEvent"
	case HandleTypeMutex:
		return "Mutex"
	case HandleTypeThread:
		return "Thread"
	case HandleTypeProcess:
		return "Process"
	case HandleTypeResourceLimit:
		return "ResourceLimit"
	default:
		return "Unknown"
	}
}

// Object is anything a handle can refer to.
type Object interface {
	TypeName() string
	Name() string
	HandleType() HandleType
	ObjectID() uint32
}

type objectBase struct {
	id   uint32
	name string
}

func (o *objectBase) Name() string     { return o.name }
func (o *objectBase) ObjectID() uint32 { return o.id }
