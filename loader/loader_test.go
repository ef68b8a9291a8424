package loader

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"hle/filesys"
	"hle/kernel"
	"hle/timing"
)

func testImage() *Image {
	img := &Image{
		Is64Bit:             true,
		AddressSpace:        kernel.AddressSpace39Bit,
		MainThreadPriority:  44,
		MainThreadStackSize: 0x2000,
		ProgramID:           0x0100000000010000,
		Title:               "Test Title",
		Capabilities:        DefaultCapabilities(),
	}
	img.Segments[SegmentCode].Data = bytes.Repeat([]byte{0x1F, 0x20, 0x03, 0xD5}, 0x400) // one page of NOPs
	img.Segments[SegmentROData].Data = []byte("hello")
	img.Segments[SegmentData].Data = make([]byte, 0x1800)
	return img
}

func openImage(t *testing.T, img *Image) filesys.VirtualFile {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteImage(&buf, img); err != nil {
		t.Fatalf("WriteImage() = %v, want nil", err)
	}
	return openBytes(t, buf.Bytes())
}

func openBytes(t *testing.T, b []byte) filesys.VirtualFile {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/game.hlex", b, 0o644); err != nil {
		t.Fatalf("WriteFile() = %v, want nil", err)
	}
	f, err := filesys.OpenGameFile(fs, "/game.hlex")
	if err != nil {
		t.Fatalf("OpenGameFile() = %v, want nil", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestProcess(t *testing.T) *kernel.Process {
	t.Helper()
	k := kernel.New(timing.New(nil), nil, kernel.Options{})
	k.Initialize()
	t.Cleanup(k.Shutdown)
	return kernel.CreateProcess(k, "main")
}

func TestParseImage(t *testing.T) {
	f := openImage(t, testImage())

	img, err := ParseImage(f, f.Size())
	if err != nil {
		t.Fatalf("ParseImage() = %v, want nil", err)
	}
	want := testImage()
	if img.Title != want.Title || img.ProgramID != want.ProgramID || !img.Is64Bit || img.AddressSpace != kernel.AddressSpace39Bit {
		t.Fatalf("ParseImage() header = %+v, want %+v", img, want)
	}
	if len(img.Capabilities) != len(want.Capabilities) {
		t.Fatalf("capabilities = %d words, want %d", len(img.Capabilities), len(want.Capabilities))
	}
	for i, s := range img.Segments {
		if !bytes.Equal(s.Data, want.Segments[i].Data) {
			t.Fatalf("segment %d differs", i)
		}
	}
	if got := img.Segments[SegmentROData].MemOffset; got != kernel.PageSize {
		t.Fatalf("rodata memory offset = 0x%X, want 0x%X", got, kernel.PageSize)
	}
	if got := img.Segments[SegmentData].MemOffset; got != 2*kernel.PageSize {
		t.Fatalf("data memory offset = 0x%X, want 0x%X", got, 2*kernel.PageSize)
	}
}

func TestParseImageRejectsBadFiles(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImage(&buf, testImage()); err != nil {
		t.Fatalf("WriteImage() = %v, want nil", err)
	}
	good := buf.Bytes()

	truncated := openBytes(t, good[:len(good)-16])
	if _, err := ParseImage(truncated, truncated.Size()); err == nil {
		t.Fatalf("ParseImage(truncated) = nil, want error")
	}

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9
	f := openBytes(t, badVersion)
	if _, err := ParseImage(f, f.Size()); err == nil {
		t.Fatalf("ParseImage(version 9) = nil, want error")
	}

	badSpace := append([]byte(nil), good...)
	badSpace[6] = 1 | 5<<1
	f = openBytes(t, badSpace)
	if _, err := ParseHeader(f); !errors.Is(err, ErrBadLayout) {
		t.Fatalf("ParseHeader(address space 5) = %v, want %v", err, ErrBadLayout)
	}
	if st, _ := GetLoader(f, nil).Load(newTestProcess(t)); st != ErrorBadMetadata {
		t.Fatalf("Load(address space 5) = %v, want %v", st, ErrorBadMetadata)
	}

	img := testImage()
	img.AddressSpace = 7
	if err := WriteImage(&bytes.Buffer{}, img); err == nil {
		t.Fatalf("WriteImage(address space 7) = nil, want error")
	}

	short := openBytes(t, []byte("HLEX"))
	if _, err := ParseHeader(short); err == nil {
		t.Fatalf("ParseHeader(4 bytes) = nil, want error")
	}
}

func TestGetLoader(t *testing.T) {
	if l := GetLoader(openImage(t, testImage()), nil); l == nil || l.FileType() != FileTypeHLEX {
		t.Fatalf("GetLoader(HLEX) = %v, want an HLEX loader", l)
	}
	if l := GetLoader(openBytes(t, []byte("\x7FELF....")), nil); l != nil {
		t.Fatalf("GetLoader(ELF) = %v, want nil", l)
	}
	if got := IdentifyFile(openBytes(t, []byte("HL"))); got != FileTypeError {
		t.Fatalf("IdentifyFile(2 bytes) = %v, want %v", got, FileTypeError)
	}
	if GetLoader(nil, nil) != nil {
		t.Fatalf("GetLoader(nil) != nil")
	}
}

func TestLoadMapsSegments(t *testing.T) {
	p := newTestProcess(t)
	l := GetLoader(openImage(t, testImage()), nil)

	st, params := l.Load(p)
	if st != Success {
		t.Fatalf("Load() = %v, want %v", st, Success)
	}
	if params.MainThreadPriority != 44 || params.MainThreadStackSize != 0x2000 {
		t.Fatalf("LoadParameters = %+v, want priority 44, stack 0x2000", params)
	}
	if p.ProgramID() != 0x0100000000010000 || !p.Is64Bit() {
		t.Fatalf("metadata not applied: program %016x, 64-bit %v", p.ProgramID(), p.Is64Bit())
	}

	vm := p.VMManager()
	base := vm.CodeRegionBase()
	for _, tc := range []struct {
		addr uint64
		perm kernel.VMAPermission
	}{
		{base, kernel.VMAPermReadExecute},
		{base + kernel.PageSize, kernel.VMAPermRead},
		{base + 2*kernel.PageSize, kernel.VMAPermReadWrite},
		{base + 3*kernel.PageSize, kernel.VMAPermReadWrite},
	} {
		v, ok := vm.FindVMA(tc.addr)
		if !ok || v.Permissions != tc.perm {
			t.Fatalf("VMA at 0x%X = %+v, want permissions %v", tc.addr, v, tc.perm)
		}
	}
	if got := vm.Read32(base); got != 0xD503201F {
		t.Fatalf("first instruction = 0x%08X, want NOP", got)
	}
	if p.CodeMemorySize() != 4*kernel.PageSize {
		t.Fatalf("CodeMemorySize() = 0x%X, want 0x%X", p.CodeMemorySize(), 4*kernel.PageSize)
	}

	if st, _ := l.Load(p); st != ErrorAlreadyLoaded {
		t.Fatalf("second Load() = %v, want %v", st, ErrorAlreadyLoaded)
	}
}

func TestLoadFailures(t *testing.T) {
	noCode := testImage()
	noCode.Segments[SegmentCode].Data = nil

	badCaps := testImage()
	badCaps.Capabilities = []uint32{0}

	badPriority := testImage()
	badPriority.MainThreadPriority = 64

	for _, tc := range []struct {
		name string
		img  *Image
		want ResultStatus
	}{
		{"no code", noCode, ErrorMissingCode},
		{"bad capabilities", badCaps, ErrorBadCapabilities},
		{"bad priority", badPriority, ErrorBadMetadata},
	} {
		l := GetLoader(openImage(t, tc.img), nil)
		if st, _ := l.Load(newTestProcess(t)); st != tc.want {
			t.Fatalf("%s: Load() = %v, want %v", tc.name, st, tc.want)
		}
	}
}

func TestReadTitleAndProgramID(t *testing.T) {
	l := GetLoader(openImage(t, testImage()), nil)
	if title, st := l.ReadTitle(); st != Success || title != "Test Title" {
		t.Fatalf("ReadTitle() = %q, %v, want Test Title, success", title, st)
	}
	if id, st := l.ReadProgramID(); st != Success || id != 0x0100000000010000 {
		t.Fatalf("ReadProgramID() = %x, %v", id, st)
	}

	untitled := testImage()
	untitled.Title = ""
	untitled.ProgramID = 0
	l = GetLoader(openImage(t, untitled), nil)
	if _, st := l.ReadTitle(); st != ErrorNoTitle {
		t.Fatalf("ReadTitle() = %v, want %v", st, ErrorNoTitle)
	}
	if _, st := l.ReadProgramID(); st != ErrorNoProgramID {
		t.Fatalf("ReadProgramID() = %v, want %v", st, ErrorNoProgramID)
	}
}

func TestReadBuildID(t *testing.T) {
	img := testImage()
	want := sha256.Sum256(img.Segments[SegmentCode].Data)

	l := GetLoader(openImage(t, img), nil)
	if id, st := l.ReadBuildID(); st != Success || id != want {
		t.Fatalf("ReadBuildID() before Load = %x, %v, want %x", id, st, want)
	}
	if st, _ := l.Load(newTestProcess(t)); st != Success {
		t.Fatalf("Load() = %v, want success", st)
	}
	if id, st := l.ReadBuildID(); st != Success || id != want {
		t.Fatalf("ReadBuildID() after Load = %x, %v, want %x", id, st, want)
	}

	other := testImage()
	other.Title = "Renamed"
	if id, _ := GetLoader(openImage(t, other), nil).ReadBuildID(); id != want {
		t.Fatalf("ReadBuildID() changed with the title")
	}
	other.Segments[SegmentCode].Data[0] ^= 1
	if id, _ := GetLoader(openImage(t, other), nil).ReadBuildID(); id == want {
		t.Fatalf("ReadBuildID() did not change with the code")
	}

	noCode := testImage()
	noCode.Segments[SegmentCode].Data = nil
	if _, st := GetLoader(openImage(t, noCode), nil).ReadBuildID(); st != ErrorMissingCode {
		t.Fatalf("ReadBuildID(no code) = %v, want %v", st, ErrorMissingCode)
	}
}

func TestDefaultCapabilitiesGrantEverything(t *testing.T) {
	var c kernel.ProcessCapabilities
	if err := c.InitializeForUserProcess(DefaultCapabilities()); err != nil {
		t.Fatalf("InitializeForUserProcess() = %v, want nil", err)
	}
	if c.CoreMask() != 0xF || c.PriorityMask() != ^uint64(0) {
		t.Fatalf("masks = 0x%X, 0x%X, want all cores and priorities", c.CoreMask(), c.PriorityMask())
	}
	for n := uint32(0); n < svcCount; n++ {
		if !c.IsSVCPermitted(n) {
			t.Fatalf("svc 0x%02X not permitted", n)
		}
	}
}
