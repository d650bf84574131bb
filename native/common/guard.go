package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named operation surface is paused. The
// guardian controls the backing state; engines only consult it.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the named module is paused. A nil view
// or empty module name never blocks, so unwired engines stay operational.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Switchboard is an in-memory PauseView with guardian-driven toggles. The
// settlement and withdrawal surfaces are intentionally never registered
// here: an emergency stop must not trap staker funds or pending claims.
type Switchboard struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewSwitchboard constructs an empty switchboard with nothing paused.
func NewSwitchboard() *Switchboard {
	return &Switchboard{paused: make(map[string]bool)}
}

// Set toggles the pause flag for the named module.
func (s *Switchboard) Set(module string, paused bool) {
	if s == nil || module == "" {
		return
	}
	s.mu.Lock()
	s.paused[module] = paused
	s.mu.Unlock()
}

// IsPaused implements PauseView.
func (s *Switchboard) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}
