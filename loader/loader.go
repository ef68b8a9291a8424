// Package loader identifies game images and maps them into a process.
package loader

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"hle/filesys"
	"hle/hal"
	"hle/kernel"
)

// ResultStatus is the outcome of a loader operation.
type ResultStatus uint16

const (
	Success ResultStatus = iota
	ErrorAlreadyLoaded
	ErrorNotImplemented
	ErrorNotInitialized
	ErrorBadHeader
	ErrorBadMetadata
	ErrorBadCapabilities
	ErrorMissingCode
	ErrorReadFailed
	ErrorNoTitle
	ErrorNoProgramID
	statusCount
)

var statusNames = [...]string{
	Success:              "success",
	ErrorAlreadyLoaded:   "the image is already loaded",
	ErrorNotImplemented:  "the operation is not implemented",
	ErrorNotInitialized:  "the loader is not initialized",
	ErrorBadHeader:       "the image header is invalid",
	ErrorBadMetadata:     "the image metadata is invalid",
	ErrorBadCapabilities: "the image kernel capabilities are invalid",
	ErrorMissingCode:     "the image has no code segment",
	ErrorReadFailed:      "the image could not be read",
	ErrorNoTitle:         "the image has no title",
	ErrorNoProgramID:     "the image has no program id",
}

func (s ResultStatus) String() string {
	if s < statusCount {
		return statusNames[s]
	}
	return fmt.Sprintf("loader status %d", uint16(s))
}

func (s ResultStatus) Error() string { return "loader: " + s.String() }

// FileType is a recognized image format.
type FileType uint8

const (
	FileTypeError FileType = iota
	FileTypeUnknown
	FileTypeHLEX
)

func (t FileType) String() string {
	switch t {
	case FileTypeHLEX:
		return "HLEX"
	case FileTypeUnknown:
		return "unknown"
	}
	return "error"
}

// LoadParameters describe how to start the main thread.
type LoadParameters struct {
	MainThreadPriority  uint32
	MainThreadStackSize uint64
}

// AppLoader maps one image into a process.
type AppLoader interface {
	FileType() FileType
	Load(p *kernel.Process) (ResultStatus, LoadParameters)
	ReadTitle() (string, ResultStatus)
	ReadProgramID() (uint64, ResultStatus)
	ReadBuildID() ([BuildIDSize]byte, ResultStatus)
}

// BuildIDSize is the length of a module build id.
const BuildIDSize = sha256.Size

// IdentifyFile reports the format of f.
func IdentifyFile(f filesys.VirtualFile) FileType {
	if f == nil {
		return FileTypeError
	}
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return FileTypeError
	}
	if string(magic[:]) == ImageMagic {
		return FileTypeHLEX
	}
	return FileTypeUnknown
}

// GetLoader returns a loader for f, or nil if the format is unknown.
func GetLoader(f filesys.VirtualFile, log hal.Logger) AppLoader {
	if f == nil {
		return nil
	}
	switch t := IdentifyFile(f); t {
	case FileTypeHLEX:
		return &HLEXLoader{file: f, log: log}
	default:
		hal.Logf(log, "loader: %s: unsupported file type %s", f.Name(), t)
		return nil
	}
}

// HLEXLoader loads HLEX images.
type HLEXLoader struct {
	file   filesys.VirtualFile
	log    hal.Logger
	image  *Image
	loaded bool
}

func (l *HLEXLoader) FileType() FileType { return FileTypeHLEX }

func (l *HLEXLoader) header() (*Image, ResultStatus) {
	if l.image != nil {
		return l.image, Success
	}
	img, err := ParseHeader(l.file)
	if err != nil {
		return nil, statusOf(err)
	}
	return img, Success
}

func statusOf(err error) ResultStatus {
	switch {
	case errors.Is(err, ErrBadMagic), errors.Is(err, ErrBadVersion):
		return ErrorBadHeader
	case errors.Is(err, ErrBadLayout):
		return ErrorBadMetadata
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrorBadHeader
	default:
		return ErrorReadFailed
	}
}

// Load parses the image, applies its metadata to p and maps its segments
// at the code region base.
func (l *HLEXLoader) Load(p *kernel.Process) (ResultStatus, LoadParameters) {
	if l.loaded {
		return ErrorAlreadyLoaded, LoadParameters{}
	}
	img, err := ParseImage(l.file, l.file.Size())
	if err != nil {
		hal.Logf(l.log, "loader: %s: %v", l.file.Name(), err)
		return statusOf(err), LoadParameters{}
	}
	if len(img.Segments[SegmentCode].Data) == 0 {
		return ErrorMissingCode, LoadParameters{}
	}
	if img.MainThreadPriority > kernel.ThreadPrioLowest {
		return ErrorBadMetadata, LoadParameters{}
	}

	if err := p.LoadFromMetadata(img.Metadata()); err != nil {
		hal.Logf(l.log, "loader: %s: %v", l.file.Name(), err)
		if errors.Is(err, kernel.ErrInvalidEnumValue) {
			return ErrorBadMetadata, LoadParameters{}
		}
		return ErrorBadCapabilities, LoadParameters{}
	}
	base := p.VMManager().CodeRegionBase()
	if err := p.LoadModule(img.CodeSet(), base); err != nil {
		hal.Logf(l.log, "loader: %s: mapping at 0x%X: %v", l.file.Name(), base, err)
		return ErrorBadMetadata, LoadParameters{}
	}
	hal.Logf(l.log, "loader: %s: %q (%016x) mapped at 0x%X", l.file.Name(), img.Title, img.ProgramID, base)

	l.image = img
	l.loaded = true
	return Success, LoadParameters{
		MainThreadPriority:  img.MainThreadPriority,
		MainThreadStackSize: uint64(img.MainThreadStackSize),
	}
}

func (l *HLEXLoader) ReadTitle() (string, ResultStatus) {
	img, st := l.header()
	if st != Success {
		return "", st
	}
	if img.Title == "" {
		return "", ErrorNoTitle
	}
	return img.Title, Success
}

func (l *HLEXLoader) ReadProgramID() (uint64, ResultStatus) {
	img, st := l.header()
	if st != Success {
		return 0, st
	}
	if img.ProgramID == 0 {
		return 0, ErrorNoProgramID
	}
	return img.ProgramID, Success
}

// ReadBuildID names the code the image carries by the SHA-256 of its code
// segment, so two images with the same code share an id.
func (l *HLEXLoader) ReadBuildID() ([BuildIDSize]byte, ResultStatus) {
	img := l.image
	if img == nil {
		var err error
		if img, err = ParseImage(l.file, l.file.Size()); err != nil {
			return [BuildIDSize]byte{}, statusOf(err)
		}
	}
	code := img.Segments[SegmentCode].Data
	if len(code) == 0 {
		return [BuildIDSize]byte{}, ErrorMissingCode
	}
	return sha256.Sum256(code), Success
}
