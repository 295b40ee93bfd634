// Package service installs the agent as a per-user autostart entry using
// the native mechanism of each platform.
package service

import "errors"

var (
	// ErrAlreadyInstalled is returned when the service is already installed
	ErrAlreadyInstalled = errors.New("service is already installed")
	// ErrNotInstalled is returned when the service is not installed
	ErrNotInstalled = errors.New("service is not installed")
)

// Service manages the agent's autostart registration.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}
