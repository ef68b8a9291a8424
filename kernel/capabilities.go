package kernel

import "math/bits"

// Capability descriptor kinds, encoded as the run of trailing ones in a
// descriptor word.
type capabilityType uint32

const (
	capUnset           capabilityType = 0
	capPriorityCoreNum capabilityType = 0b111
	capSyscall         capabilityType = 0b1111
	capMapPhysical     capabilityType = 0b111111
	capMapIO           capabilityType = 0b1111111
	capInterrupt       capabilityType = 0b11111111111
	capProgramType     capabilityType = 0b1111111111111
	capKernelVersion   capabilityType = 0b11111111111111
	capHandleTableSize capabilityType = 0b111111111111111
	capDebug           capabilityType = 0b1111111111111111
	capIgnorable       capabilityType = 0xFFFFFFFF
)

func capabilityTypeOf(v uint32) capabilityType {
	return capabilityType((^v & (v + 1)) - 1)
}

func capabilityFlagBit(t capabilityType) uint32 {
	return 1 << bits.Len32(uint32(t))
}

// Kinds that may appear at most once in a descriptor list.
var capabilityOnceMask = capabilityFlagBit(capPriorityCoreNum) |
	capabilityFlagBit(capProgramType) |
	capabilityFlagBit(capKernelVersion) |
	capabilityFlagBit(capHandleTableSize) |
	capabilityFlagBit(capDebug)

const svcCapabilityCount = 0x80

// ProcessCapabilities is the permission set a process declared in its
// metadata.
type ProcessCapabilities struct {
	coreMask     uint64
	priorityMask uint64
	svcMask      [svcCapabilityCount]bool

	interrupts      []uint32
	ioMappings      []uint64
	physicalMaps    [][2]uint64
	handleTableSize int32
	programType     uint32
	kernelVersion   uint32
	isDebuggable    bool
	canForceDebug   bool
}

// InitializeForUserProcess parses the descriptor list of a title.
func (c *ProcessCapabilities) InitializeForUserProcess(descriptors []uint32) error {
	c.clear()
	return c.parse(descriptors)
}

// InitializeForMetadatalessProcess grants every core, priority and SVC.
func (c *ProcessCapabilities) InitializeForMetadatalessProcess() {
	c.clear()
	c.coreMask = 0xF
	c.priorityMask = 0xFFFFFFFFFFFFFFFF
	for i := range c.svcMask {
		c.svcMask[i] = true
	}
	c.programType = 0
	c.isDebuggable = true
	c.canForceDebug = true
}

func (c *ProcessCapabilities) clear() {
	*c = ProcessCapabilities{}
}

func (c *ProcessCapabilities) parse(descriptors []uint32) error {
	var setFlags, setSvcBits uint32

	for i := 0; i < len(descriptors); i++ {
		d := descriptors[i]
		if capabilityTypeOf(d) == capMapPhysical {
			i++
			// Physical mappings take a second descriptor carrying the size.
			if i >= len(descriptors) {
				return ErrInvalidCombination
			}
			size := descriptors[i]
			if capabilityTypeOf(size) != capMapPhysical {
				return ErrInvalidCombination
			}
			c.handleMapPhysical(d, size)
			continue
		}
		if err := c.parseSingle(&setFlags, &setSvcBits, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProcessCapabilities) parseSingle(setFlags, setSvcBits *uint32, d uint32) error {
	t := capabilityTypeOf(d)
	if t == capUnset {
		return ErrInvalidCapabilityDescriptor
	}
	if t == capIgnorable {
		return nil
	}

	bit := capabilityFlagBit(t)
	if *setFlags&capabilityOnceMask&bit != 0 {
		return ErrInvalidCombination
	}
	*setFlags |= bit

	switch t {
	case capPriorityCoreNum:
		return c.handlePriorityCoreNum(d)
	case capSyscall:
		return c.handleSyscall(setSvcBits, d)
	case capMapIO:
		c.ioMappings = append(c.ioMappings, uint64(d>>8)<<12)
		return nil
	case capInterrupt:
		c.interrupts = append(c.interrupts, (d>>12)&0x3FF, (d>>22)&0x3FF)
		return nil
	case capProgramType:
		c.programType = (d >> 14) & 0b111
		return nil
	case capKernelVersion:
		// Major version zero is not a valid kernel.
		if (d>>19)&0x1FFF == 0 {
			return ErrInvalidCapabilityDescriptor
		}
		c.kernelVersion = d
		return nil
	case capHandleTableSize:
		c.handleTableSize = int32((d >> 16) & 0x3FF)
		return nil
	case capDebug:
		c.isDebuggable = d&0x20000 != 0
		c.canForceDebug = d&0x40000 != 0
		return nil
	default:
		return ErrInvalidCapabilityDescriptor
	}
}

func (c *ProcessCapabilities) handlePriorityCoreNum(d uint32) error {
	if c.priorityMask != 0 || c.coreMask != 0 {
		return ErrInvalidCapabilityDescriptor
	}

	coreMin := (d >> 16) & 0xFF
	coreMax := (d >> 24) & 0xFF
	if coreMin >= NumCPUCores || coreMax >= NumCPUCores {
		return ErrInvalidProcessorID
	}
	prioMin := (d >> 10) & 0x3F
	prioMax := (d >> 4) & 0x3F
	if coreMin > coreMax || prioMin > prioMax {
		return ErrInvalidCombination
	}

	c.coreMask = rangeMask(coreMin, coreMax)
	c.priorityMask = rangeMask(prioMin, prioMax)
	return nil
}

func rangeMask(lo, hi uint32) uint64 {
	n := hi - lo + 1
	if n >= 64 {
		return ^uint64(0) << lo
	}
	return ((uint64(1) << n) - 1) << lo
}

func (c *ProcessCapabilities) handleSyscall(setSvcBits *uint32, d uint32) error {
	index := d >> 29
	bit := uint32(1) << index
	if *setSvcBits&bit != 0 {
		return ErrInvalidCombination
	}
	*setSvcBits |= bit

	mask := (d >> 5) & 0xFFFFFF
	for i := uint32(0); i < 24; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		n := index*24 + i
		if n >= svcCapabilityCount {
			return ErrOutOfRange
		}
		c.svcMask[n] = true
	}
	return nil
}

func (c *ProcessCapabilities) handleMapPhysical(addr, size uint32) {
	c.physicalMaps = append(c.physicalMaps, [2]uint64{
		uint64(addr>>7) << 12,
		uint64(size>>7&0xFFFFF) << 12,
	})
}

func (c *ProcessCapabilities) CoreMask() uint64       { return c.coreMask }
func (c *ProcessCapabilities) PriorityMask() uint64   { return c.priorityMask }
func (c *ProcessCapabilities) HandleTableSize() int32 { return c.handleTableSize }
func (c *ProcessCapabilities) ProgramType() uint32    { return c.programType }
func (c *ProcessCapabilities) KernelVersion() uint32  { return c.kernelVersion }
func (c *ProcessCapabilities) IsDebuggable() bool     { return c.isDebuggable }
func (c *ProcessCapabilities) CanForceDebug() bool    { return c.canForceDebug }

func (c *ProcessCapabilities) IsSVCPermitted(n uint32) bool {
	return n < svcCapabilityCount && c.svcMask[n]
}
