//go:build windows

package service

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/windows/registry"
)

const (
	runKeyPath   = `Software\Microsoft\Windows\CurrentVersion\Run`
	runValueName = "TachoBridge"
)

type windowsService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &windowsService{}
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.SetStringValue(runValueName, `"`+execPath+`"`); err != nil {
		return fmt.Errorf("failed to set Run value: %w", err)
	}
	return nil
}

func (s *windowsService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.DeleteValue(runValueName); err != nil {
		return fmt.Errorf("failed to delete Run value: %w", err)
	}
	return nil
}

func (s *windowsService) IsInstalled() bool {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer key.Close()

	_, _, err = key.GetStringValue(runValueName)
	return err == nil
}

func (s *windowsService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	// tasklist exits zero even when no process matches, so inspect output
	cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq tacho-bridge.exe", "/NH")
	output, err := cmd.CombinedOutput()
	if err == nil && len(output) > 0 && !containsNoTasks(string(output)) {
		return "running", nil
	}
	return "installed but not running", nil
}

func containsNoTasks(output string) bool {
	return len(output) == 0 || output[0] == '\r' || output[0] == '\n' ||
		(len(output) > 4 && output[:4] == "INFO")
}
