package pipeline

import (
	"strings"
	"time"

	"velapack/internal/logging"
)

// EventKind classifies an Event.
type EventKind int

const (
	// EventStage marks entry into Event.Stage.
	EventStage EventKind = iota
	// EventInfo is a progress message.
	EventInfo
	// EventWarning is a condition the caller should see but that does not
	// stop the run.
	EventWarning
	// EventOutput carries captured compiler stdout.
	EventOutput
	// EventFailed ends a run; Event.Stage is the stage that failed.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStage:
		return "stage"
	case EventInfo:
		return "info"
	case EventWarning:
		return "warning"
	case EventOutput:
		return "output"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Warning codes carried in Event.Code.
const (
	WarnOverwrite      = "overwrite"
	WarnCompilerStderr = "compiler-stderr"
	WarnCleanup        = "cleanup"
)

// Event is one report from a running pipeline.
type Event struct {
	RequestID string
	Stage     Stage
	Kind      EventKind
	Code      string
	Message   string
	Err       error
	// Duration is set on the Compiled and Done stage events.
	Duration time.Duration
}

// Observer receives pipeline events synchronously, in order.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans each event out to every member.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Observe(Event) {}

// LogObserver writes events to the standard logger.
type LogObserver struct{}

func (LogObserver) Observe(e Event) {
	const component = "pipeline"
	switch e.Kind {
	case EventStage:
		kv := []any{"request", e.RequestID, "stage", e.Stage}
		if e.Duration > 0 {
			kv = append(kv, "duration", e.Duration.Round(time.Millisecond))
		}
		logging.Info(component, "stage reached", kv...)
	case EventInfo:
		logging.Info(component, e.Message, "request", e.RequestID, "stage", e.Stage)
	case EventOutput:
		logging.Info(component, "compiler output", "request", e.RequestID, "stdout", strings.TrimSpace(e.Message))
	case EventWarning:
		logging.Warn(component, e.Message, "request", e.RequestID, "stage", e.Stage, "code", e.Code)
	case EventFailed:
		logging.Error(component, "conversion failed", "request", e.RequestID, "stage", e.Stage, "err", e.Err)
	}
}
