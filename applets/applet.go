package applets

import (
	"encoding/binary"
	"errors"
	"fmt"

	"hle/kernel"
)

// ID identifies a library applet.
type ID uint32

const (
	IDOverlayDisplay       ID = 0x02
	IDQLaunch              ID = 0x03
	IDStarter              ID = 0x04
	IDAuth                 ID = 0x0A
	IDCabinet              ID = 0x0B
	IDController           ID = 0x0C
	IDDataErase            ID = 0x0D
	IDError                ID = 0x0E
	IDNetConnect           ID = 0x0F
	IDProfileSelect        ID = 0x10
	IDSoftwareKeyboard     ID = 0x11
	IDMiiEdit              ID = 0x12
	IDLibAppletWeb         ID = 0x13
	IDLibAppletShop        ID = 0x14
	IDPhotoViewer          ID = 0x15
	IDSettings             ID = 0x16
	IDLibAppletOff         ID = 0x17
	IDLibAppletWhitelisted ID = 0x18
	IDLibAppletAuth        ID = 0x19
	IDMyPage               ID = 0x1A
)

// Applet is a running library applet.
type Applet interface {
	// Initialize consumes the common arguments the title pushed first.
	Initialize() error
	IsInitialized() bool
	TransactionComplete() bool
	Status() kernel.ResultCode
	ExecuteInteractive()
	Execute()
	Broker() *DataBroker
}

const commonArgumentsSize = 0x20

// CommonArguments is the header every applet launch starts with.
type CommonArguments struct {
	ArgumentsVersion uint32
	Size             uint32
	LibraryVersion   uint32
	ThemeColor       uint32
	PlayStartupSound bool
	SystemTick       uint64
}

var ErrShortArguments = errors.New("applets: argument storage too short")

func ParseCommonArguments(b []byte) (CommonArguments, error) {
	if len(b) < commonArgumentsSize {
		return CommonArguments{}, fmt.Errorf("%w: common arguments are %d bytes", ErrShortArguments, len(b))
	}
	le := binary.LittleEndian
	return CommonArguments{
		ArgumentsVersion: le.Uint32(b[0x00:]),
		Size:             le.Uint32(b[0x04:]),
		LibraryVersion:   le.Uint32(b[0x08:]),
		ThemeColor:       le.Uint32(b[0x0C:]),
		PlayStartupSound: b[0x10] != 0,
		SystemTick:       le.Uint64(b[0x18:]),
	}, nil
}

// Bytes encodes the arguments the way a title pushes them.
func (c CommonArguments) Bytes() []byte {
	b := make([]byte, commonArgumentsSize)
	le := binary.LittleEndian
	le.PutUint32(b[0x00:], c.ArgumentsVersion)
	le.PutUint32(b[0x04:], c.Size)
	le.PutUint32(b[0x08:], c.LibraryVersion)
	le.PutUint32(b[0x0C:], c.ThemeColor)
	if c.PlayStartupSound {
		b[0x10] = 1
	}
	le.PutUint64(b[0x18:], c.SystemTick)
	return b
}

// base holds what every applet shares.
type base struct {
	broker      *DataBroker
	common      CommonArguments
	initialized bool
}

func (a *base) Broker() *DataBroker              { return a.broker }
func (a *base) IsInitialized() bool              { return a.initialized }
func (a *base) CommonArguments() CommonArguments { return a.common }

var errNoArguments = errors.New("applets: no argument storage pushed")

func (a *base) Initialize() error {
	s := a.broker.PopNormalDataToApplet()
	if s == nil {
		return errNoArguments
	}
	common, err := ParseCommonArguments(s.Data)
	if err != nil {
		return err
	}
	a.common = common
	a.initialized = true
	return nil
}

// popArgument pops the applet-specific argument storage that follows the
// common arguments.
func (a *base) popArgument(min int) ([]byte, error) {
	s := a.broker.PopNormalDataToApplet()
	if s == nil {
		return nil, errNoArguments
	}
	if len(s.Data) < min {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortArguments, len(s.Data), min)
	}
	return s.Data, nil
}

// finish hands the applet's result to the title and ends the applet.
func (a *base) finish(out []byte) {
	if out != nil {
		a.broker.PushNormalDataFromApplet(NewStorage(out))
	}
	a.broker.SignalStateChanged()
}
