package applets

import (
	"hle/hal"
	"hle/kernel"
)

// Manager holds the session's applet frontends and creates applets by ID.
type Manager struct {
	kernel   *kernel.KernelCore
	log      hal.Logger
	frontend FrontendSet
}

func NewManager(k *kernel.KernelCore, log hal.Logger) *Manager {
	return &Manager{kernel: k, log: log}
}

// SetKernel points new applets at a different kernel. The session calls
// it when the kernel is rebuilt.
func (m *Manager) SetKernel(k *kernel.KernelCore) { m.kernel = k }

func (m *Manager) FrontendSet() FrontendSet { return m.frontend }

// SetFrontendSet replaces the frontends set in set; nil slots keep the
// current ones.
func (m *Manager) SetFrontendSet(set FrontendSet) {
	if set.Error != nil {
		m.frontend.Error = set.Error
	}
	if set.PhotoViewer != nil {
		m.frontend.PhotoViewer = set.PhotoViewer
	}
	if set.ProfileSelect != nil {
		m.frontend.ProfileSelect = set.ProfileSelect
	}
	if set.SoftwareKeyboard != nil {
		m.frontend.SoftwareKeyboard = set.SoftwareKeyboard
	}
	if set.WebBrowser != nil {
		m.frontend.WebBrowser = set.WebBrowser
	}
}

func (m *Manager) SetDefaultFrontendSet() {
	m.frontend = DefaultFrontendSet(m.log)
}

// SetDefaultAppletsIfMissing fills every empty slot with its default.
func (m *Manager) SetDefaultAppletsIfMissing() {
	def := DefaultFrontendSet(m.log)
	if m.frontend.Error == nil {
		m.frontend.Error = def.Error
	}
	if m.frontend.PhotoViewer == nil {
		m.frontend.PhotoViewer = def.PhotoViewer
	}
	if m.frontend.ProfileSelect == nil {
		m.frontend.ProfileSelect = def.ProfileSelect
	}
	if m.frontend.SoftwareKeyboard == nil {
		m.frontend.SoftwareKeyboard = def.SoftwareKeyboard
	}
	if m.frontend.WebBrowser == nil {
		m.frontend.WebBrowser = def.WebBrowser
	}
}

func (m *Manager) ClearAll() { m.frontend = FrontendSet{} }

// GetApplet creates the applet for id with a fresh broker. IDs without a
// backend get a stub. The caller holds the kernel lock.
func (m *Manager) GetApplet(id ID) Applet {
	m.SetDefaultAppletsIfMissing()
	b := base{broker: NewDataBroker(m.kernel)}

	switch id {
	case IDError:
		return &errorApplet{base: b, frontend: m.frontend.Error}
	case IDProfileSelect:
		return &profileSelectApplet{base: b, frontend: m.frontend.ProfileSelect}
	case IDSoftwareKeyboard:
		return &softwareKeyboardApplet{base: b, frontend: m.frontend.SoftwareKeyboard}
	case IDPhotoViewer:
		return &photoViewerApplet{base: b, frontend: m.frontend.PhotoViewer}
	case IDLibAppletOff:
		return &webBrowserApplet{base: b, frontend: m.frontend.WebBrowser}
	default:
		hal.Logf(m.log, "applet: no backend for applet 0x%02X, using a stub", uint32(id))
		return &stubApplet{base: b, id: id, log: m.log}
	}
}
