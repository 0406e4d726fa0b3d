package orchestrator

import (
	"context"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

// Phase is the orchestration lifecycle position.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseLaunched     Phase = "LAUNCHED"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseConnected    Phase = "CONNECTED"
	PhaseProjectReady Phase = "PROJECT_READY"
	PhaseTestRunning  Phase = "TEST_RUNNING"
	PhaseTestDone     Phase = "TEST_DONE"
	PhaseTestStopped  Phase = "TEST_STOPPED"
	PhaseDisconnected Phase = "DISCONNECTED"
	PhaseFailed       Phase = "FAILED"
)

type trigger string

const (
	triggerLaunch      trigger = "launch"
	triggerConnect     trigger = "connect"
	triggerConnected   trigger = "connected"
	triggerConnectFail trigger = "connect_failed"
	triggerProjectSet  trigger = "project_set"
	triggerSubmit      trigger = "submit"
	triggerRunDone     trigger = "run_done"
	triggerRunStopped  trigger = "run_stopped"
	triggerDisconnect  trigger = "disconnect"
)

var allTriggers = []trigger{
	triggerLaunch, triggerConnect, triggerConnected, triggerConnectFail, triggerProjectSet,
	triggerSubmit, triggerRunDone, triggerRunStopped, triggerDisconnect,
}

// newPhaseMachine builds the lifecycle. TEST_DONE and TEST_STOPPED are
// substates of PROJECT_READY so a finished run accepts another submission.
// DISCONNECTED ignores everything.
func newPhaseMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(PhaseInit)

	sm.Configure(PhaseInit).
		Permit(triggerLaunch, PhaseLaunched).
		Permit(triggerConnect, PhaseConnecting).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseLaunched).
		Ignore(triggerLaunch).
		Permit(triggerConnect, PhaseConnecting).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseConnecting).
		Permit(triggerConnected, PhaseConnected).
		Permit(triggerConnectFail, PhaseFailed).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseConnected).
		Permit(triggerProjectSet, PhaseProjectReady).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseProjectReady).
		PermitReentry(triggerProjectSet).
		Permit(triggerSubmit, PhaseTestRunning).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseTestRunning).
		Permit(triggerRunDone, PhaseTestDone).
		Permit(triggerRunStopped, PhaseTestStopped).
		Permit(triggerDisconnect, PhaseDisconnected)

	sm.Configure(PhaseTestDone).
		SubstateOf(PhaseProjectReady).
		Permit(triggerProjectSet, PhaseProjectReady)

	sm.Configure(PhaseTestStopped).
		SubstateOf(PhaseProjectReady).
		Permit(triggerProjectSet, PhaseProjectReady)

	sm.Configure(PhaseFailed).
		Permit(triggerDisconnect, PhaseDisconnected)

	disconnected := sm.Configure(PhaseDisconnected)
	for _, t := range allTriggers {
		disconnected.Ignore(t)
	}

	return sm
}

// phaseLocked returns the current phase. Callers hold phaseMu.
func (o *Orchestrator) phaseLocked() Phase {
	st, err := o.sm.State(context.Background())
	if err != nil {
		return PhaseFailed
	}
	return st.(Phase)
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()
	return o.phaseLocked()
}

// canFire reports whether t is accepted in the current phase. Triggers the
// machine would only ignore in DISCONNECTED are not accepted.
func (o *Orchestrator) canFire(t trigger) bool {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()
	if o.phaseLocked() == PhaseDisconnected {
		return false
	}
	ok, err := o.sm.CanFire(t)
	return err == nil && ok
}

// fire moves the machine. Transition observers run before fire returns.
// A trigger the current phase does not accept is logged and dropped.
func (o *Orchestrator) fire(t trigger) {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()
	if err := o.sm.Fire(t); err != nil {
		o.logger.Debug("trigger rejected",
			zap.String("trigger", string(t)),
			zap.String("phase", string(o.phaseLocked())),
			zap.Error(err),
		)
	}
}
