package scheduler

import "go.uber.org/zap"

// TransitionEvent describes one credential scheduling transition. The
// contract with the observability sink is one event per transition, so
// operators can distinguish failures handled internally from silence.
type TransitionEvent struct {
	CredentialID int64
	// Model is set for model-scoped transitions (acquire, blacklist).
	Model   string
	From    State
	To      State
	Outcome string
	Attempt int
}

// EventSink consumes scheduling transition events.
type EventSink interface {
	OnTransition(ev TransitionEvent)
}

// RefreshRecorder is implemented by sinks that additionally count refresh
// job outcomes. The metrics collector satisfies it.
type RefreshRecorder interface {
	RecordRefreshResult(reason string, ok bool)
}

// NopSink discards events.
type NopSink struct{}

// OnTransition implements EventSink.
func (NopSink) OnTransition(TransitionEvent) {}

// ZapSink logs every transition as a structured event.
type ZapSink struct {
	Logger *zap.Logger
}

// OnTransition implements EventSink.
func (s ZapSink) OnTransition(ev TransitionEvent) {
	s.Logger.Info("credential transition",
		zap.Int64("credential_id", ev.CredentialID),
		zap.String("model", ev.Model),
		zap.String("from", ev.From.String()),
		zap.String("to", ev.To.String()),
		zap.String("outcome", ev.Outcome),
		zap.Int("attempt", ev.Attempt))
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

// OnTransition implements EventSink.
func (m MultiSink) OnTransition(ev TransitionEvent) {
	for _, s := range m {
		s.OnTransition(ev)
	}
}

// RecordRefreshResult forwards to every member that counts refresh outcomes.
func (m MultiSink) RecordRefreshResult(reason string, ok bool) {
	for _, s := range m {
		if r, found := s.(RefreshRecorder); found {
			r.RecordRefreshResult(reason, ok)
		}
	}
}
