package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"hle/kernel"
)

// HLEX image layout. All fields are little endian.
//
//	0x00 magic "HLEX"
//	0x04 version u16
//	0x06 flags u8: bit 0 64-bit, bits 1-3 address space type
//	0x07 main thread core u8
//	0x08 main thread priority u32
//	0x0C main thread stack size u32
//	0x10 program id u64
//	0x18 segments: code, rodata, data; each file offset, memory offset
//	     and size, u32
//	0x3C capability count u32
//	0x40 title, NUL padded
//	0x60 capability words, then segment data
const (
	ImageMagic      = "HLEX"
	ImageVersion    = 1
	imageHeaderLen  = 0x60
	imageTitleLen   = 0x20
	maxCapabilities = 0x100

	flag64Bit          = 1 << 0
	flagAddrSpaceShift = 1
	flagAddrSpaceMask  = 0x7 << flagAddrSpaceShift
)

const (
	SegmentCode = iota
	SegmentROData
	SegmentData
	segmentCount
)

var (
	ErrBadMagic   = errors.New("loader: not an HLEX image")
	ErrBadVersion = errors.New("loader: unsupported image version")
	ErrBadLayout  = errors.New("loader: bad segment layout")
)

// Segment is one loadable section of an image.
type Segment struct {
	FileOffset uint32
	MemOffset  uint32
	Size       uint32
	// Data is nil after ParseHeader.
	Data []byte
}

// Image is a parsed HLEX executable.
type Image struct {
	Version             uint16
	Is64Bit             bool
	AddressSpace        kernel.AddressSpaceType
	MainThreadCore      uint8
	MainThreadPriority  uint32
	MainThreadStackSize uint32
	ProgramID           uint64
	Title               string
	Capabilities        []uint32
	Segments            [segmentCount]Segment
}

// Metadata is what the kernel needs from the header.
func (img *Image) Metadata() kernel.ProgramMetadata {
	return kernel.ProgramMetadata{
		ProgramID:           img.ProgramID,
		Name:                img.Title,
		MainThreadCore:      int32(img.MainThreadCore),
		MainThreadPriority:  img.MainThreadPriority,
		MainThreadStackSize: uint64(img.MainThreadStackSize),
		Is64Bit:             img.Is64Bit,
		AddressSpaceType:    img.AddressSpace,
		Capabilities:        img.Capabilities,
	}
}

// CodeSet lays the segments out at their memory offsets.
func (img *Image) CodeSet() kernel.CodeSet {
	var end uint64
	for _, s := range img.Segments {
		if e := pageAlign(uint64(s.MemOffset) + uint64(len(s.Data))); e > end {
			end = e
		}
	}
	cs := kernel.CodeSet{Memory: make([]byte, end)}
	for i, s := range img.Segments {
		copy(cs.Memory[s.MemOffset:], s.Data)
		cs.Segments[i] = kernel.CodeSegment{
			Offset: uint64(s.MemOffset),
			Addr:   uint64(s.MemOffset),
			Size:   pageAlign(uint64(len(s.Data))),
		}
	}
	return cs
}

func pageAlign(n uint64) uint64 { return (n + kernel.PageMask) &^ kernel.PageMask }

// ParseHeader decodes the fixed header without reading segment data.
func ParseHeader(r io.ReaderAt) (*Image, error) {
	var h [imageHeaderLen]byte
	if _, err := r.ReadAt(h[:], 0); err != nil {
		return nil, fmt.Errorf("loader: reading header: %w", err)
	}
	if string(h[:4]) != ImageMagic {
		return nil, ErrBadMagic
	}
	le := binary.LittleEndian
	img := &Image{
		Version:             le.Uint16(h[0x04:]),
		Is64Bit:             h[0x06]&flag64Bit != 0,
		AddressSpace:        kernel.AddressSpaceType((h[0x06] & flagAddrSpaceMask) >> flagAddrSpaceShift),
		MainThreadCore:      h[0x07],
		MainThreadPriority:  le.Uint32(h[0x08:]),
		MainThreadStackSize: le.Uint32(h[0x0C:]),
		ProgramID:           le.Uint64(h[0x10:]),
		Title:               string(bytes.TrimRight(h[0x40:0x40+imageTitleLen], "\x00")),
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, img.Version)
	}
	if !img.AddressSpace.IsValid() {
		return nil, fmt.Errorf("%w: address space type %d", ErrBadLayout, img.AddressSpace)
	}
	for i := range img.Segments {
		off := 0x18 + i*12
		img.Segments[i].FileOffset = le.Uint32(h[off:])
		img.Segments[i].MemOffset = le.Uint32(h[off+4:])
		img.Segments[i].Size = le.Uint32(h[off+8:])
	}
	n := le.Uint32(h[0x3C:])
	if n > maxCapabilities {
		return nil, fmt.Errorf("loader: %d capability words", n)
	}
	img.Capabilities = make([]uint32, n)
	return img, nil
}

// ParseImage decodes a whole image of the given size.
func ParseImage(r io.ReaderAt, size int64) (*Image, error) {
	img, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}

	if len(img.Capabilities) > 0 {
		caps := make([]byte, 4*len(img.Capabilities))
		if _, err := r.ReadAt(caps, imageHeaderLen); err != nil {
			return nil, fmt.Errorf("loader: reading capabilities: %w", err)
		}
		for i := range img.Capabilities {
			img.Capabilities[i] = binary.LittleEndian.Uint32(caps[4*i:])
		}
	}

	var prevEnd uint64
	for i := range img.Segments {
		s := &img.Segments[i]
		n := uint64(s.Size)
		if uint64(s.FileOffset)+n > uint64(size) {
			return nil, fmt.Errorf("%w: segment %d past end of file", ErrBadLayout, i)
		}
		if uint64(s.MemOffset)%kernel.PageSize != 0 || uint64(s.MemOffset) < prevEnd {
			return nil, fmt.Errorf("%w: segment %d at 0x%X", ErrBadLayout, i, s.MemOffset)
		}
		prevEnd = pageAlign(uint64(s.MemOffset) + n)

		s.Data = make([]byte, n)
		if n == 0 {
			continue
		}
		if _, err := r.ReadAt(s.Data, int64(s.FileOffset)); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("loader: reading segment %d: %w", i, err)
		}
	}
	return img, nil
}

// WriteImage encodes img. Segment offsets are computed and stored back into
// img: data follows the capability words and every segment starts on a
// page in memory.
func WriteImage(w io.Writer, img *Image) error {
	if len(img.Title) > imageTitleLen {
		return fmt.Errorf("loader: title longer than %d bytes", imageTitleLen)
	}
	if len(img.Capabilities) > maxCapabilities {
		return fmt.Errorf("loader: %d capability words", len(img.Capabilities))
	}
	if !img.AddressSpace.IsValid() {
		return fmt.Errorf("loader: address space type %d", img.AddressSpace)
	}

	h := make([]byte, imageHeaderLen)
	le := binary.LittleEndian
	copy(h, ImageMagic)
	le.PutUint16(h[0x04:], ImageVersion)
	flags := byte(img.AddressSpace) << flagAddrSpaceShift
	if img.Is64Bit {
		flags |= flag64Bit
	}
	h[0x06] = flags
	h[0x07] = img.MainThreadCore
	le.PutUint32(h[0x08:], img.MainThreadPriority)
	le.PutUint32(h[0x0C:], img.MainThreadStackSize)
	le.PutUint64(h[0x10:], img.ProgramID)

	fileOff := uint64(imageHeaderLen + 4*len(img.Capabilities))
	var memOff uint64
	for i := range img.Segments {
		s := &img.Segments[i]
		s.FileOffset = uint32(fileOff)
		s.MemOffset = uint32(memOff)
		s.Size = uint32(len(s.Data))
		off := 0x18 + i*12
		le.PutUint32(h[off:], s.FileOffset)
		le.PutUint32(h[off+4:], s.MemOffset)
		le.PutUint32(h[off+8:], s.Size)
		fileOff += uint64(len(s.Data))
		memOff += pageAlign(uint64(len(s.Data)))
	}
	le.PutUint32(h[0x3C:], uint32(len(img.Capabilities)))
	copy(h[0x40:], img.Title)

	if _, err := w.Write(h); err != nil {
		return err
	}
	caps := make([]byte, 4*len(img.Capabilities))
	for i, c := range img.Capabilities {
		le.PutUint32(caps[4*i:], c)
	}
	if _, err := w.Write(caps); err != nil {
		return err
	}
	for _, s := range img.Segments {
		if _, err := w.Write(s.Data); err != nil {
			return err
		}
	}
	return nil
}
