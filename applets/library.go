package applets

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"

	"hle/hal"
	"hle/kernel"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func decodeUTF16(b []byte) string {
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(s, "\x00"))
}

func encodeUTF16(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return b
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Error applet arguments: mode byte, then the result at 0x08. Custom text
// carries two NUL-terminated strings of errorTextSize bytes from 0x10.
const (
	errorModeDefault    = 0
	errorModeCustomText = 1
	errorTextSize       = 0x800
)

type errorApplet struct {
	base
	frontend ErrorFrontend
	mode     byte
	code     kernel.ResultCode
	dialog   string
	full     string
	complete bool
}

func (a *errorApplet) Initialize() error {
	if err := a.base.Initialize(); err != nil {
		return err
	}
	arg, err := a.popArgument(0x0C)
	if err != nil {
		return err
	}
	a.mode = arg[0]
	a.code = kernel.ResultCode(binary.LittleEndian.Uint32(arg[0x08:]))
	if a.mode == errorModeCustomText && len(arg) >= 0x10+2*errorTextSize {
		a.dialog = cString(arg[0x10 : 0x10+errorTextSize])
		a.full = cString(arg[0x10+errorTextSize : 0x10+2*errorTextSize])
	}
	return nil
}

func (a *errorApplet) TransactionComplete() bool { return a.complete }
func (a *errorApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }
func (a *errorApplet) ExecuteInteractive()       {}

func (a *errorApplet) Execute() {
	done := func() {
		a.complete = true
		a.finish(nil)
	}
	if a.mode == errorModeCustomText {
		a.frontend.ShowCustomErrorText(a.code, a.dialog, a.full, done)
		return
	}
	a.frontend.ShowError(a.code, done)
}

const (
	resultCanceled = 1

	profileSelectOutputSize = 0x18
)

type profileSelectApplet struct {
	base
	frontend ProfileSelectFrontend
	complete bool
}

func (a *profileSelectApplet) Initialize() error {
	if err := a.base.Initialize(); err != nil {
		return err
	}
	_, err := a.popArgument(0)
	return err
}

func (a *profileSelectApplet) TransactionComplete() bool { return a.complete }
func (a *profileSelectApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }
func (a *profileSelectApplet) ExecuteInteractive()       {}

func (a *profileSelectApplet) Execute() {
	a.frontend.SelectProfile(func(user UUID, ok bool) {
		out := make([]byte, profileSelectOutputSize)
		if ok {
			copy(out[0x08:], user[:])
		} else {
			binary.LittleEndian.PutUint32(out, resultCanceled)
		}
		a.complete = true
		a.finish(out)
	})
}

// Keyboard arguments: maximum length, initial text length in UTF-16 units,
// then the initial text. The reply is a result word and the UTF-16 text.
const keyboardOutputSize = 0x7D8

type softwareKeyboardApplet struct {
	base
	frontend SoftwareKeyboardFrontend
	params   KeyboardParameters
	complete bool
}

func (a *softwareKeyboardApplet) Initialize() error {
	if err := a.base.Initialize(); err != nil {
		return err
	}
	arg, err := a.popArgument(8)
	if err != nil {
		return err
	}
	le := binary.LittleEndian
	a.params.MaxLength = int(le.Uint32(arg))
	n := int(le.Uint32(arg[4:])) * 2
	if n > len(arg)-8 {
		n = len(arg) - 8
	}
	a.params.InitialText = decodeUTF16(arg[8 : 8+n])
	return nil
}

func (a *softwareKeyboardApplet) TransactionComplete() bool { return a.complete }
func (a *softwareKeyboardApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }

// ExecuteInteractive drops text-check replies; every text is accepted.
func (a *softwareKeyboardApplet) ExecuteInteractive() {
	for a.broker.PopInteractiveDataToApplet() != nil {
	}
}

func (a *softwareKeyboardApplet) Execute() {
	a.frontend.RequestText(a.params, func(text string, ok bool) {
		out := make([]byte, keyboardOutputSize)
		if ok {
			copy(out[4:], encodeUTF16(text))
		} else {
			binary.LittleEndian.PutUint32(out, resultCanceled)
		}
		a.complete = true
		a.finish(out)
	})
}

const (
	photoViewerForApplication = 0
	photoViewerAll            = 1
)

type photoViewerApplet struct {
	base
	frontend PhotoViewerFrontend
	mode     byte
	titleID  uint64
	complete bool
}

func (a *photoViewerApplet) Initialize() error {
	if err := a.base.Initialize(); err != nil {
		return err
	}
	arg, err := a.popArgument(1)
	if err != nil {
		return err
	}
	a.mode = arg[0]
	if len(arg) >= 0x10 {
		a.titleID = binary.LittleEndian.Uint64(arg[0x08:])
	}
	return nil
}

func (a *photoViewerApplet) TransactionComplete() bool { return a.complete }
func (a *photoViewerApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }
func (a *photoViewerApplet) ExecuteInteractive()       {}

func (a *photoViewerApplet) Execute() {
	done := func() {
		a.complete = true
		a.finish(nil)
	}
	if a.mode == photoViewerAll {
		a.frontend.ShowAllPhotos(done)
		return
	}
	a.frontend.ShowPhotosForApplication(a.titleID, done)
}

// The browser reply is an exit reason and the last URL shown.
const (
	webExitEndButton = 0
	webOutputSize    = 0x1010
	webLastURLOffset = 0x8
)

type webBrowserApplet struct {
	base
	frontend WebBrowserFrontend
	url      string
	complete bool
}

func (a *webBrowserApplet) Initialize() error {
	if err := a.base.Initialize(); err != nil {
		return err
	}
	arg, err := a.popArgument(1)
	if err != nil {
		return err
	}
	a.url = cString(arg)
	return nil
}

func (a *webBrowserApplet) TransactionComplete() bool { return a.complete }
func (a *webBrowserApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }
func (a *webBrowserApplet) ExecuteInteractive()       {}

func (a *webBrowserApplet) Execute() {
	a.frontend.OpenPage(a.url, func() {
		out := make([]byte, webOutputSize)
		binary.LittleEndian.PutUint32(out, webExitEndButton)
		copy(out[webLastURLOffset:len(out)-1], a.url)
		a.complete = true
		a.finish(out)
	})
}

// stubApplet stands in for applets without a backend. It answers every
// request with empty storages so the title can carry on.
type stubApplet struct {
	base
	id  ID
	log hal.Logger
}

func (a *stubApplet) Initialize() error {
	// Whatever was pushed is dropped; a stub cannot fail to start.
	for a.broker.PopNormalDataToApplet() != nil {
	}
	a.initialized = true
	return nil
}

func (a *stubApplet) TransactionComplete() bool { return true }
func (a *stubApplet) Status() kernel.ResultCode { return kernel.ResultSuccess }

func (a *stubApplet) ExecuteInteractive() {
	hal.Logf(a.log, "applet: stub 0x%02X interactive", uint32(a.id))
	a.pushEmpty()
}

func (a *stubApplet) Execute() {
	hal.Logf(a.log, "applet: stub 0x%02X executed", uint32(a.id))
	a.pushEmpty()
}

func (a *stubApplet) pushEmpty() {
	a.broker.PushNormalDataFromApplet(NewStorage(make([]byte, 0x1000)))
	a.broker.PushInteractiveDataFromApplet(NewStorage(make([]byte, 0x1000)))
	a.broker.SignalStateChanged()
}
