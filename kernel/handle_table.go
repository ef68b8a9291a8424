package kernel

// Handle is an opaque per-process reference to a kernel object.
type Handle uint32

const (
	InvalidHandle Handle = 0

	// Pseudo-handles resolved against the calling thread.
	CurrentThread  Handle = 0xFFFF8000
	CurrentProcess Handle = 0xFFFF8001
)

// MaxHandleCount is the largest table a process may declare.
const MaxHandleCount = 1024

func handleSlot(h Handle) uint16       { return uint16(h >> 15) }
func handleGeneration(h Handle) uint16 { return uint16(h & 0x7FFF) }

// HandleTable maps handles to kernel objects for one process.
//
// A handle packs a 15-bit generation (never zero) with the slot index, so
// handle 0 is never issued and a stale handle to a reused slot is rejected.
type HandleTable struct {
	objects     [MaxHandleCount]Object
	generations [MaxHandleCount]uint16

	size           uint16
	nextGeneration uint16
	nextFreeSlot   uint16
}

// NewHandleTable returns a table of the maximum size.
func NewHandleTable() *HandleTable {
	t := &HandleTable{size: MaxHandleCount, nextGeneration: 1}
	t.Clear()
	return t
}

// SetSize limits the number of simultaneously live handles. Values <= 0 keep
// the maximum.
func (t *HandleTable) SetSize(n int32) error {
	if n > MaxHandleCount {
		return ErrOutOfMemory
	}
	if n > 0 {
		t.size = uint16(n)
	}
	return nil
}

func (t *HandleTable) Size() int { return int(t.size) }

// Create allocates a new handle for obj.
func (t *HandleTable) Create(obj Object) (Handle, error) {
	assert(obj != nil, "creating a handle for a nil object")

	slot := t.nextFreeSlot
	if slot >= t.size {
		return InvalidHandle, ErrHandleTableFull
	}
	t.nextFreeSlot = t.generations[slot]

	gen := t.nextGeneration
	t.nextGeneration++
	if t.nextGeneration >= 1<<15 {
		t.nextGeneration = 1
	}

	t.generations[slot] = gen
	t.objects[slot] = obj
	return Handle(gen) | Handle(slot)<<15, nil
}

// Duplicate creates a second handle to the object behind h.
func (t *HandleTable) Duplicate(h Handle) (Handle, error) {
	obj := t.GetGeneric(h)
	if obj == nil {
		return InvalidHandle, ErrInvalidHandle
	}
	return t.Create(obj)
}

// Close releases h. Its slot becomes the next one handed out.
func (t *HandleTable) Close(h Handle) error {
	if !t.IsValid(h) {
		return ErrInvalidHandle
	}
	slot := handleSlot(h)
	t.objects[slot] = nil
	t.generations[slot] = t.nextFreeSlot
	t.nextFreeSlot = slot
	return nil
}

func (t *HandleTable) IsValid(h Handle) bool {
	slot := handleSlot(h)
	gen := handleGeneration(h)
	return slot < t.size && t.objects[slot] != nil && t.generations[slot] == gen
}

// GetGeneric returns the object behind h, or nil. Pseudo-handles are not
// resolved here.
func (t *HandleTable) GetGeneric(h Handle) Object {
	if !t.IsValid(h) {
		return nil
	}
	return t.objects[handleSlot(h)]
}

// Count returns the number of live handles.
func (t *HandleTable) Count() int {
	n := 0
	for i := uint16(0); i < t.size; i++ {
		if t.objects[i] != nil {
			n++
		}
	}
	return n
}

// Clear closes every handle.
func (t *HandleTable) Clear() {
	for i := uint16(0); i < MaxHandleCount; i++ {
		t.generations[i] = i + 1
		t.objects[i] = nil
	}
	t.nextFreeSlot = 0
}

// Get returns the object behind h if it has type T.
func Get[T Object](t *HandleTable, h Handle) (T, bool) {
	obj, ok := t.GetGeneric(h).(T)
	return obj, ok
}

func (t *HandleTable) GetThread(h Handle) *Thread {
	th, _ := Get[*Thread](t, h)
	return th
}

func (t *HandleTable) GetProcess(h Handle) *Process {
	p, _ := Get[*Process](t, h)
	return p
}

func (t *HandleTable) GetWaitObject(h Handle) WaitObject {
	w, _ := Get[WaitObject](t, h)
	return w
}

func (t *HandleTable) GetReadableEvent(h Handle) *ReadableEvent {
	e, _ := Get[*ReadableEvent](t, h)
	return e
}

func (t *HandleTable) GetWritableEvent(h Handle) *WritableEvent {
	e, _ := Get[*WritableEvent](t, h)
	return e
}
