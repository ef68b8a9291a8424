package applets

import (
	"hle/hal"
	"hle/kernel"
)

// Frontends are the host side of an applet: whatever shows the dialog.
// They call their completion callback before returning.

type ErrorFrontend interface {
	ShowError(code kernel.ResultCode, finished func())
	ShowCustomErrorText(code kernel.ResultCode, dialog, fullscreen string, finished func())
}

type PhotoViewerFrontend interface {
	ShowPhotosForApplication(titleID uint64, finished func())
	ShowAllPhotos(finished func())
}

// UUID identifies a user account.
type UUID [16]byte

type ProfileSelectFrontend interface {
	SelectProfile(selected func(user UUID, ok bool))
}

// KeyboardParameters describes one text request.
type KeyboardParameters struct {
	HeaderText  string
	InitialText string
	MaxLength   int
}

type SoftwareKeyboardFrontend interface {
	RequestText(params KeyboardParameters, done func(text string, ok bool))
}

type WebBrowserFrontend interface {
	OpenPage(url string, finished func())
}

// FrontendSet is one frontend per applet kind. Nil slots are filled with
// the defaults before any applet runs.
type FrontendSet struct {
	Error            ErrorFrontend
	PhotoViewer      PhotoViewerFrontend
	ProfileSelect    ProfileSelectFrontend
	SoftwareKeyboard SoftwareKeyboardFrontend
	WebBrowser       WebBrowserFrontend
}

// DefaultFrontendSet returns frontends that log and answer at once.
func DefaultFrontendSet(log hal.Logger) FrontendSet {
	return FrontendSet{
		Error:            DefaultErrorFrontend{Log: log},
		PhotoViewer:      DefaultPhotoViewerFrontend{Log: log},
		ProfileSelect:    DefaultProfileSelectFrontend{},
		SoftwareKeyboard: DefaultSoftwareKeyboardFrontend{},
		WebBrowser:       DefaultWebBrowserFrontend{Log: log},
	}
}

type DefaultErrorFrontend struct{ Log hal.Logger }

func (f DefaultErrorFrontend) ShowError(code kernel.ResultCode, finished func()) {
	hal.Logf(f.Log, "applet: error %04d-%04d: %v", 2000+code.Module(), code.Description(), code)
	finished()
}

func (f DefaultErrorFrontend) ShowCustomErrorText(code kernel.ResultCode, dialog, fullscreen string, finished func()) {
	hal.Logf(f.Log, "applet: error %04d-%04d: %s (%s)", 2000+code.Module(), code.Description(), dialog, fullscreen)
	finished()
}

type DefaultPhotoViewerFrontend struct{ Log hal.Logger }

func (f DefaultPhotoViewerFrontend) ShowPhotosForApplication(titleID uint64, finished func()) {
	hal.Logf(f.Log, "applet: photo viewer for title %016X", titleID)
	finished()
}

func (f DefaultPhotoViewerFrontend) ShowAllPhotos(finished func()) {
	hal.Logf(f.Log, "applet: photo viewer for all titles")
	finished()
}

// DefaultUser is the account the default profile selector picks.
var DefaultUser = UUID{0x01}

type DefaultProfileSelectFrontend struct{}

func (DefaultProfileSelectFrontend) SelectProfile(selected func(UUID, bool)) {
	selected(DefaultUser, true)
}

// DefaultSoftwareKeyboardFrontend confirms the initial text, or "hle" when
// there is none, cut to the maximum length.
type DefaultSoftwareKeyboardFrontend struct{}

func (DefaultSoftwareKeyboardFrontend) RequestText(p KeyboardParameters, done func(string, bool)) {
	text := []rune(p.InitialText)
	if len(text) == 0 {
		text = []rune("hle")
	}
	if p.MaxLength > 0 && len(text) > p.MaxLength {
		text = text[:p.MaxLength]
	}
	done(string(text), true)
}

type DefaultWebBrowserFrontend struct{ Log hal.Logger }

func (f DefaultWebBrowserFrontend) OpenPage(url string, finished func()) {
	hal.Logf(f.Log, "applet: web page %q not shown", url)
	finished()
}
