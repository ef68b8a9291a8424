package loader

const svcCount = 0x80

// DefaultCapabilities grants every core, every priority and every
// supervisor call. Images built without a capability list get these.
func DefaultCapabilities() []uint32 {
	caps := []uint32{
		// Priorities 0-63 on cores 0-3.
		0b111 | 63<<4 | 0<<10 | 0<<16 | 3<<24,
	}
	for index := uint32(0); index*24 < svcCount; index++ {
		mask := uint32(0xFFFFFF)
		if left := svcCount - index*24; left < 24 {
			mask = 1<<left - 1
		}
		caps = append(caps, 0xF|index<<29|mask<<5)
	}
	// Kernel version 1.0.
	return append(caps, 1<<19|0x3FFF)
}
