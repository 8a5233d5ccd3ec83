// Package eventlog receives fire-and-forget notifications about agent
// lifecycle and simulation progress.
package eventlog

import (
	"context"
	"log/slog"
)

// Kind classifies an event.
type Kind string

const (
	KindRunStart Kind = "run_start"
	KindRunEnd   Kind = "run_end"
	KindStep     Kind = "step"
	KindBirth    Kind = "birth"
	KindDeath    Kind = "death"
	KindCarried  Kind = "carried"
)

// Event is a notable occurrence during an experiment.
type Event struct {
	Kind    Kind   `json:"kind" db:"kind"`
	RunID   string `json:"run_id" db:"run_id"`
	Run     int    `json:"run" db:"run"`
	Step    uint64 `json:"step" db:"step"`
	AgentID uint64 `json:"agent_id,omitempty" db:"agent_id"`
	Species string `json:"species,omitempty" db:"species"`
	Detail  string `json:"detail,omitempty" db:"detail"`
}

// Logger receives events. Implementations must not block the caller for
// long and must be safe for use by the coordinating goroutine.
type Logger interface {
	Log(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(Event) {}

// Multi fans events out to several loggers in order.
type Multi []Logger

func (m Multi) Log(e Event) {
	for _, l := range m {
		l.Log(e)
	}
}

// Slog writes events to a structured logger. Run boundaries go out at
// info, everything else at debug.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Log(e Event) {
	level := slog.LevelDebug
	if e.Kind == KindRunStart || e.Kind == KindRunEnd {
		level = slog.LevelInfo
	}
	attrs := []any{"run", e.Run, "step", e.Step}
	if e.AgentID != 0 {
		attrs = append(attrs, "agent", e.AgentID, "species", e.Species)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	s.Logger.Log(context.Background(), level, string(e.Kind), attrs...)
}
