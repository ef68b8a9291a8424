package kernel

// CodeSegment is one section of a loaded executable.
type CodeSegment struct {
	// Offset into CodeSet.Memory.
	Offset uint64
	// Addr relative to the module base.
	Addr uint64
	Size uint64
}

const (
	segmentCode = iota
	segmentROData
	segmentData
)

// CodeSet is an executable image ready to be mapped into a process.
type CodeSet struct {
	Memory   []byte
	Segments [3]CodeSegment
}

func (c *CodeSet) CodeSegment() *CodeSegment   { return &c.Segments[segmentCode] }
func (c *CodeSet) RODataSegment() *CodeSegment { return &c.Segments[segmentROData] }
func (c *CodeSet) DataSegment() *CodeSegment   { return &c.Segments[segmentData] }

// ProgramMetadata is what a loader knows about a title before mapping it.
type ProgramMetadata struct {
	ProgramID           uint64
	Name                string
	MainThreadCore      int32
	MainThreadPriority  uint32
	MainThreadStackSize uint64
	Is64Bit             bool
	AddressSpaceType    AddressSpaceType
	Capabilities        []uint32
}
