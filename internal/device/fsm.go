package device

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	fsmutil "github.com/codeforberlin/mycyclingcity-sub001/internal/pkg/util/fsm"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

// Operating states of the device.
const (
	// StateBoot is the transient startup state in which the wake cause
	// and configuration decide where to go.
	StateBoot = "BOOT"
	// StatePortal serves the local configuration portal; no telemetry
	// runs in this state.
	StatePortal = "CONFIG_PORTAL"
	// StateMonitoring is the normal operating state: count pulses, send
	// telemetry, reconcile configuration.
	StateMonitoring = "MONITORING"
	// StateSleeping is entered immediately before deep sleep.
	StateSleeping = "SLEEPING"
)

const (
	// EventEnterPortal (Boot) switches into the configuration portal.
	EventEnterPortal = "event_enter_portal"
	// EventStartMonitoring (Boot) starts normal operation. Guarded: it
	// is cancelled while critical configuration is missing.
	EventStartMonitoring = "event_start_monitoring"
	// EventSleep (Monitoring) records the transition into deep sleep.
	EventSleep = "event_sleep"
)

type FiniteStateMachine struct {
	*fsm.FSM

	log log.Logger
}

func NewFiniteStateMachine(logger log.Logger) *FiniteStateMachine {
	f := &FiniteStateMachine{log: logger.WithName("fsm")}

	events := fsm.Events{
		{Name: EventEnterPortal, Src: []string{StateBoot}, Dst: StatePortal},
		{Name: EventStartMonitoring, Src: []string{StateBoot}, Dst: StateMonitoring},
		{Name: EventSleep, Src: []string{StateMonitoring}, Dst: StateSleeping},
	}

	callbacks := fsm.Callbacks{
		// Guards (before_...): decide if a transition is allowed
		"before_" + EventStartMonitoring: fsmutil.WrapEvent(f.GuardConfigComplete),

		// Side-effects (enter_...): log every state change
		"enter_state": fsmutil.WrapEvent(f.ActionLogTransition),
	}

	f.FSM = fsm.NewFSM(StateBoot, events, callbacks)
	return f
}

// GuardConfigComplete is a "Guard" callback. Monitoring must never
// start while a critical configuration field is missing.
func (f *FiniteStateMachine) GuardConfigComplete(ctx context.Context, e *fsm.Event) error {
	cfg := e.Args[0].(*config.DeviceConfig)
	if missing := cfg.MissingCritical(); len(missing) > 0 {
		return fmt.Errorf("critical configuration missing: %v", missing)
	}
	return nil
}

// ActionLogTransition is a "Side-Effect" callback.
func (f *FiniteStateMachine) ActionLogTransition(ctx context.Context, e *fsm.Event) error {
	f.log.Info("State transition", "from", e.Src, "to", e.Dst, "event", e.Event)
	return nil
}
