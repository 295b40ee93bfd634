//go:build linux

// Tray support is disabled on Linux; desktop environments disagree about
// status icons and the agent runs fine headless under XDG autostart.
package tray

// TrayApp is a no-op placeholder on Linux.
type TrayApp struct{}

// New returns a no-op TrayApp.
func New(serverAddr, version string, connections func() int, syncNow func() error, onQuit func()) *TrayApp {
	return &TrayApp{}
}

func (t *TrayApp) Run() {}

func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
