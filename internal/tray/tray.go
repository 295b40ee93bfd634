//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/tachobridge/tacho-bridge/internal/logging"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr  string
	version     string
	connections func() int
	syncNow     func() error
	onQuit      func()
	mu          sync.Mutex

	// Menu items for updating
	mStatus *systray.MenuItem
	mCards  *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr, version string, connections func() int, syncNow func() error, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr:  serverAddr,
		version:     version,
		connections: connections,
		syncNow:     syncNow,
		onQuit:      onQuit,
	}
}

// Run starts the system tray. This function blocks until the tray is closed.
func (t *TrayApp) Run() {
	systray.Run(t.onReady, t.onExit)
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("Tacho Bridge")

	// Version header (disabled, just for display)
	versionStr := t.version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("Tacho Bridge %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Agent status")
	t.mStatus.Disable()

	t.mCards = systray.AddMenuItem("Cards: Checking...", "Connected tachograph cards")
	t.mCards.Disable()

	systray.AddSeparator()

	mSync := systray.AddMenuItem("Sync Cards", "Rescan readers now")
	mOpenUI := systray.AddMenuItem("Open Status Page", "Open web UI in browser")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit Tacho Bridge")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-mSync.ClickedCh:
				if err := t.syncNow(); err != nil {
					logging.Warn(logging.CatSystem, "Manual sync failed", map[string]any{
						"error": err.Error(),
					})
				}
				t.updateStatus()
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/health", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) refreshLoop() {
	t.updateStatus()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		t.updateStatus()
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}
	if t.mCards != nil {
		count := t.connections()
		switch count {
		case 0:
			t.mCards.SetTitle("Cards: None connected")
		case 1:
			t.mCards.SetTitle("Cards: 1 connected")
		default:
			t.mCards.SetTitle(fmt.Sprintf("Cards: %d connected", count))
		}
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
