package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/patchops/engine/internal/jsonfile"
	"github.com/patchops/engine/internal/logging"
)

var log = logging.L("lifecycle")

// ErrSuperseded is returned by PollForSupersession when the host has
// published a newer sequence. Callers treat it as a cooperative stop, not a
// failure.
var ErrSuperseded = errors.New("superseded by a newer sequence")

// Decision is the outcome of the startup handshake.
type Decision int

const (
	// Proceed means this is a fresh sequence: run it from the beginning.
	Proceed Decision = iota
	// Resume means a previous process of the same sequence stopped short;
	// run again, reusing any persisted progress.
	Resume
	// Replay means the sequence already ran to completion: exit without
	// doing any work.
	Replay
)

// ProcessWatcher abstracts process liveness so tests can fake it.
type ProcessWatcher interface {
	IsRunning(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
}

type gopsutilWatcher struct{}

func (gopsutilWatcher) IsRunning(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

func (gopsutilWatcher) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return p.Terminate()
}

func (gopsutilWatcher) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return p.Kill()
}

// Options configures a Manager.
type Options struct {
	ConfigFolder string
	Sequence     int
	Action       string

	// WaitTimeout bounds how long a new sequence waits for the previous
	// sequence's processes to exit before escalating.
	WaitTimeout  time.Duration
	PollInterval time.Duration

	RetryCount int
	RetryDelay time.Duration

	Watcher ProcessWatcher
	PID     int
	Clock   func() time.Time
}

// Manager owns the startup handshake, the heartbeat, and supersession
// polling for one sequence.
type Manager struct {
	opts Options
}

func NewManager(opts Options) *Manager {
	if opts.Watcher == nil {
		opts.Watcher = gopsutilWatcher{}
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = jsonfile.DefaultRetryCount
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = jsonfile.DefaultRetryDelay
	}
	return &Manager{opts: opts}
}

func (m *Manager) Sequence() int { return m.opts.Sequence }

// OnStart runs the startup handshake against the recorded core state and
// returns what this process should do about its sequence.
func (m *Manager) OnStart(ctx context.Context) (Decision, error) {
	if err := m.PollForSupersession(); err != nil {
		return Replay, err
	}

	var core CoreStateFile
	err := jsonfile.Read(coreStatePath(m.opts.ConfigFolder), &core)
	if err != nil {
		// Unreadable state is fatal: overwriting it could orphan a live
		// previous sequence. Only a missing file means a fresh machine.
		if !errors.Is(err, os.ErrNotExist) {
			return Proceed, fmt.Errorf("read core state: %w", err)
		}
		if err := m.Heartbeat(false); err != nil {
			return Proceed, err
		}
		return Proceed, nil
	}

	prev := core.Sequence
	prevNumber, prevOK := parseSequenceNumber(prev.Number)
	switch {
	case prevOK && prevNumber == m.opts.Sequence:
		if prev.IsComplete() {
			log.Info("sequence already completed, exiting without work",
				"sequence", m.opts.Sequence)
			return Replay, nil
		}
		log.Info("resuming incomplete sequence",
			"sequence", m.opts.Sequence, "previousPids", prev.ProcessIDs)
		if err := m.waitOut(ctx, prev.ProcessIDs); err != nil {
			return Resume, err
		}
		if err := m.Heartbeat(false); err != nil {
			return Resume, err
		}
		return Resume, nil

	case prevOK && prevNumber > m.opts.Sequence:
		// A lower number arriving after a higher one ran is an ordering
		// anomaly on the host side. Run it anyway and say so.
		log.Warn("incoming sequence is lower than the recorded one",
			"sequence", m.opts.Sequence, "recorded", prev.Number)
	default:
		log.Info("adopting new sequence",
			"sequence", m.opts.Sequence, "previous", prev.Number)
	}

	if err := m.waitOut(ctx, prev.ProcessIDs); err != nil {
		return Proceed, err
	}
	if err := m.Heartbeat(false); err != nil {
		return Proceed, err
	}
	return Proceed, nil
}

// PollForSupersession re-reads the host's announced sequence and returns
// ErrSuperseded when it no longer matches the one this process is
// executing. Unreadable state is treated as no supersession.
func (m *Manager) PollForSupersession() error {
	var ext ExtStateFile
	if err := jsonfile.Read(extStatePath(m.opts.ConfigFolder), &ext); err != nil {
		return nil
	}
	announced, ok := parseSequenceNumber(ext.Sequence.Number)
	if !ok {
		return nil
	}
	if announced != m.opts.Sequence {
		log.Info("host announced a different sequence",
			"sequence", m.opts.Sequence, "announced", announced)
		return ErrSuperseded
	}
	return nil
}

// Heartbeat rewrites the core state for this sequence. Prior process ids of
// the same sequence are kept so a successor can wait them out.
func (m *Manager) Heartbeat(completed bool) error {
	state := CoreStateFile{Sequence: CoreSequence{
		Number:        strconv.Itoa(m.opts.Sequence),
		Action:        m.opts.Action,
		Completed:     completedText(completed),
		LastHeartbeat: m.opts.Clock().UTC().Format(time.RFC3339),
		ProcessIDs:    []int{m.opts.PID},
	}}

	var prev CoreStateFile
	if err := jsonfile.Read(coreStatePath(m.opts.ConfigFolder), &prev); err == nil &&
		prev.Sequence.Number == state.Sequence.Number {
		state.Sequence.ProcessIDs = appendPID(prev.Sequence.ProcessIDs, m.opts.PID)
	}

	if err := jsonfile.WriteRetry(coreStatePath(m.opts.ConfigFolder), state,
		m.opts.RetryCount, m.opts.RetryDelay); err != nil {
		return fmt.Errorf("write core state: %w", err)
	}
	return nil
}

// MarkCompleted records the terminal heartbeat so replays of this sequence
// become no-ops.
func (m *Manager) MarkCompleted() error {
	return m.Heartbeat(true)
}

// waitOut waits for the listed processes to exit, escalating to Terminate
// then Kill once the wait budget is spent.
func (m *Manager) waitOut(ctx context.Context, pids []int) error {
	var stragglers []int
	for _, pid := range pids {
		if pid == m.opts.PID || pid <= 0 {
			continue
		}
		if m.opts.Watcher.IsRunning(pid) {
			stragglers = append(stragglers, pid)
		}
	}
	if len(stragglers) == 0 {
		return nil
	}

	log.Info("waiting for previous sequence processes", "pids", stragglers)
	deadline := time.NewTimer(m.opts.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.opts.PollInterval)
	defer tick.Stop()

	for {
		stragglers = running(m.opts.Watcher, stragglers)
		if len(stragglers) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return m.evict(stragglers)
		case <-tick.C:
		}
	}
}

func (m *Manager) evict(pids []int) error {
	for _, pid := range pids {
		log.Warn("terminating leftover process", "pid", pid)
		if err := m.opts.Watcher.Terminate(pid); err != nil {
			log.Warn("terminate failed", "pid", pid, logging.KeyError, err)
		}
	}
	time.Sleep(m.opts.PollInterval)

	for _, pid := range running(m.opts.Watcher, pids) {
		log.Warn("killing leftover process", "pid", pid)
		if err := m.opts.Watcher.Kill(pid); err != nil {
			return fmt.Errorf("kill leftover process %d: %w", pid, err)
		}
	}
	return nil
}

func running(w ProcessWatcher, pids []int) []int {
	var alive []int
	for _, pid := range pids {
		if w.IsRunning(pid) {
			alive = append(alive, pid)
		}
	}
	return alive
}

func appendPID(pids []int, pid int) []int {
	for _, p := range pids {
		if p == pid {
			return pids
		}
	}
	return append(pids, pid)
}
