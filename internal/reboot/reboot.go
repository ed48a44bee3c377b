package reboot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/patchops/engine/internal/config"
	"github.com/patchops/engine/internal/logging"
	"github.com/patchops/engine/internal/shellexec"
	"github.com/patchops/engine/internal/status"
	"github.com/patchops/engine/internal/window"
)

var log = logging.L("reboot")

// ErrRebootFailed is returned when the machine was told to reboot and was
// still up when the supervision timeout ran out. The run cannot continue
// past it.
var ErrRebootFailed = errors.New("machine did not go down after reboot command")

// StatusSink is the slice of the status handler the reboot manager needs.
type StatusSink interface {
	SetRebootStatus(string)
	RebootStatus() string
	SetMaintenanceWindowExceeded(bool)
	Persist() error
}

// CommandRunner matches shellexec.Runner.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (shellexec.Result, error)
}

// Options configures a Manager.
type Options struct {
	Policy string
	Window *window.MaintenanceWindow
	Status StatusSink
	Runner CommandRunner

	// DelayMinutes is passed to shutdown; TimeoutMinutes bounds how long we
	// wait for the system to actually go down afterwards.
	DelayMinutes   int
	TimeoutMinutes int

	Clock func() time.Time
	// sleeper is a test seam over the post-shutdown supervision wait.
	Sleep func(time.Duration)
}

// Manager decides whether and when to reboot, executes the reboot, and
// keeps the persisted reboot status in step with every transition.
type Manager struct {
	opts    Options
	machine *machine
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	m := &Manager{opts: opts}
	initial := opts.Status.RebootStatus()
	if initial == "" {
		initial = status.RebootNotNeeded
	}
	m.machine = newMachine(initial, func(state string) {
		opts.Status.SetRebootStatus(state)
	})
	return m
}

// ObserveStartup settles a reboot that was in flight when this process last
// exited: coming back up with a persisted Started means the reboot happened.
// The sink is re-read here because resumed runs reload the status document
// after this manager was constructed.
func (m *Manager) ObserveStartup(ctx context.Context) error {
	if persisted := m.opts.Status.RebootStatus(); persisted != "" && persisted != m.machine.Current() {
		m.machine.SetState(persisted)
	}
	if m.machine.Current() != status.RebootStarted {
		return nil
	}
	if err := m.send(ctx, eventComplete); err != nil {
		return err
	}
	log.Info("reboot completed, resuming sequence")
	return m.opts.Status.Persist()
}

// Current returns the machine's state.
func (m *Manager) Current() string { return m.machine.Current() }

// MarkRequired records that an installed package wants a reboot.
func (m *Manager) MarkRequired(ctx context.Context) error {
	if err := m.send(ctx, eventRequire); err != nil {
		return err
	}
	return m.opts.Status.Persist()
}

// ShouldReboot applies the policy to the pending flag.
func (m *Manager) ShouldReboot(pending bool) bool {
	switch m.opts.Policy {
	case config.RebootAlways:
		return true
	case config.RebootNever:
		return false
	default: // IfRequired
		return pending || m.machine.Current() == status.RebootRequired
	}
}

// MaybeReboot reboots when the policy and the window both allow it.
// Returns true when the reboot command was issued; in that case the caller
// should not be running anymore and an ErrRebootFailed return means the
// machine stayed up.
func (m *Manager) MaybeReboot(ctx context.Context, pending bool) (bool, error) {
	if !m.ShouldReboot(pending) {
		if pending && m.opts.Policy == config.RebootNever {
			log.Warn("reboot pending but policy forbids rebooting")
			if err := m.send(ctx, eventRequire); err != nil {
				return false, err
			}
			return false, m.opts.Status.Persist()
		}
		return false, nil
	}

	if m.opts.Window != nil && !m.opts.Window.IsRebootTimeAvailable(m.opts.Clock()) {
		log.Warn("not enough window left to reboot safely",
			"remainingMinutes", m.opts.Window.RemainingMinutes(m.opts.Clock()))
		m.opts.Status.SetMaintenanceWindowExceeded(true)
		if err := m.send(ctx, eventRequire); err != nil {
			return false, err
		}
		return false, m.opts.Status.Persist()
	}

	return true, m.execute(ctx)
}

func (m *Manager) execute(ctx context.Context) error {
	if err := m.send(ctx, eventRequire); err != nil {
		return err
	}
	if err := m.send(ctx, eventStart); err != nil {
		return err
	}
	if err := m.opts.Status.Persist(); err != nil {
		return err
	}

	delay := fmt.Sprintf("+%d", m.opts.DelayMinutes)
	log.Info("issuing reboot", "delayMinutes", m.opts.DelayMinutes)
	res, err := m.opts.Runner.Run(ctx, "shutdown", "-r", delay)
	if err != nil || res.ExitCode != 0 {
		if sendErr := m.send(ctx, eventFail); sendErr != nil {
			return sendErr
		}
		_ = m.opts.Status.Persist()
		if err != nil {
			return fmt.Errorf("shutdown command: %w", err)
		}
		return fmt.Errorf("shutdown command exited %d: %s", res.ExitCode, res.Output())
	}

	// The process is expected to die with the machine. Surviving the full
	// supervision window means the reboot never took.
	m.opts.Sleep(time.Duration(m.opts.DelayMinutes+m.opts.TimeoutMinutes) * time.Minute)

	if err := m.send(ctx, eventFail); err != nil {
		return err
	}
	_ = m.opts.Status.Persist()
	return ErrRebootFailed
}

// send fires an event, treating a self-loop as a no-op.
func (m *Manager) send(ctx context.Context, event string) error {
	err := m.machine.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return fmt.Errorf("reboot state %s cannot %s: %w", m.machine.Current(), event, err)
}
