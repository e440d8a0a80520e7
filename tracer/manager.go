package tracer

import (
	"sync"

	"github.com/jnsquire/dapper/proc"
	"github.com/pkg/errors"
)

// Manager owns the runtime's hook slot while a session is active. The
// prior hook is recorded on install and restored on uninstall.
type Manager struct {
	rt proc.Runtime
	d  *Dispatcher

	mu        sync.Mutex
	prior     proc.Hook
	installed bool
}

func NewManager(rt proc.Runtime, d *Dispatcher) *Manager {
	return &Manager{rt: rt, d: d}
}

func (m *Manager) Install() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.installed {
		return errors.New("tracer already installed")
	}
	prior, err := m.rt.InstallHook(m.d)
	if err != nil {
		return errors.Wrap(err, "cannot install trace hook")
	}
	m.prior = prior
	m.installed = true
	return nil
}

func (m *Manager) Uninstall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.installed {
		return nil
	}
	if err := m.rt.RemoveHook(m.d); err != nil {
		return err
	}
	if m.prior != nil {
		if _, err := m.rt.InstallHook(m.prior); err != nil {
			return errors.Wrap(err, "cannot restore prior hook")
		}
	}
	m.prior = nil
	m.installed = false
	return nil
}

// Interrupt re-arms tracing for a running thread so the next line
// event reaches the dispatcher. Best effort: runtimes that cannot
// interrupt report it, and threads blocked in native calls stop when
// they return.
func (m *Manager) Interrupt(tid proc.ThreadID) error {
	ir, ok := m.rt.(proc.Interrupter)
	if !ok {
		return errors.New("runtime does not support interrupts")
	}
	return ir.Interrupt(tid)
}
