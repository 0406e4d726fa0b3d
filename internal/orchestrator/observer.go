package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/popup"
	"github.com/grltest/grlctl/internal/state"
)

// EventType names an orchestration event.
type EventType string

const (
	EventPhaseChanged   EventType = "phase.changed"
	EventStateUpdated   EventType = "state.updated"
	EventPopupRecorded  EventType = "popup.recorded"
	EventConnectAttempt EventType = "connect.attempt"
	EventRunStarted     EventType = "run.started"
	EventRunFinished    EventType = "run.finished"
)

// Event is published to every Observer.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Payload   any       `json:"payload"`
}

// PhaseChange is the payload of phase.changed.
type PhaseChange struct {
	From    Phase             `json:"from"`
	To      Phase             `json:"to"`
	Trigger string            `json:"trigger"`
	State   state.SystemState `json:"state"`
}

// ConnectAttempt is the payload of connect.attempt.
type ConnectAttempt struct {
	IP      string `json:"ip"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
	Error   string `json:"error,omitempty"`
}

// Observer receives events synchronously on the goroutine that produced
// them, sometimes while the phase lock is held. Implementations must return
// quickly and must not call back into the Orchestrator.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// AddObserver registers obs for all later events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) publish(typ EventType, runID string, payload any) {
	o.obsMu.RLock()
	observers := o.observers
	o.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}
	e := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Time:      o.now(),
		SessionID: o.sessionID,
		RunID:     runID,
		Payload:   payload,
	}
	for _, obs := range observers {
		obs.Observe(e)
	}
}

func (o *Orchestrator) onPopup(rec popup.Record) {
	o.metrics.Popups.WithLabelValues(string(rec.Kind)).Inc()
	runID := o.currentRunID()
	if o.journal != nil {
		if err := o.journal.SavePopup(o.sessionID, runID, rec); err != nil {
			o.logger.Warn("failed to journal popup", zap.Error(err))
		}
	}
	o.publish(EventPopupRecorded, runID, rec)
}
