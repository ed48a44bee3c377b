package reboot

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/patchops/engine/internal/status"
)

// Transition events. States reuse the strings persisted in the status
// document so the machine can be rebuilt from disk.
const (
	eventRequire  = "require"
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
)

type machine struct {
	*fsm.FSM
}

// newMachine builds the reboot state machine seeded with a persisted state.
// A completed reboot can become required again when a later package needs
// one, and completing an already completed reboot is a no-op self-loop.
func newMachine(initial string, onEnter func(state string)) *machine {
	m := &machine{}
	m.FSM = fsm.NewFSM(initial,
		fsm.Events{
			{Name: eventRequire, Src: []string{status.RebootNotNeeded, status.RebootCompleted}, Dst: status.RebootRequired},
			{Name: eventRequire, Src: []string{status.RebootRequired}, Dst: status.RebootRequired},
			{Name: eventStart, Src: []string{status.RebootRequired}, Dst: status.RebootStarted},
			{Name: eventComplete, Src: []string{status.RebootStarted}, Dst: status.RebootCompleted},
			{Name: eventComplete, Src: []string{status.RebootCompleted}, Dst: status.RebootCompleted},
			{Name: eventFail, Src: []string{status.RebootStarted}, Dst: status.RebootFailed},
		},
		fsm.Callbacks{
			"enter_state": wrap(func(ctx context.Context, e *fsm.Event) error {
				if onEnter != nil {
					onEnter(e.Dst)
				}
				return nil
			}),
		},
	)
	return m
}

func wrap(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}
