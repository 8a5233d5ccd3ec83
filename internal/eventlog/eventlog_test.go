package eventlog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ events []Event }

func (r *recorder) Log(e Event) { r.events = append(r.events, e) }

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, Nop{}, b}

	m.Log(Event{Kind: KindBirth, AgentID: 3})
	m.Log(Event{Kind: KindDeath, AgentID: 3})

	assert.Len(t, a.events, 2)
	assert.Equal(t, a.events, b.events)
}

func TestSlogLevels(t *testing.T) {
	var buf bytes.Buffer
	s := Slog{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	s.Log(Event{Kind: KindBirth, AgentID: 9, Species: "grazer"})
	s.Log(Event{Kind: KindRunEnd, Run: 2, Detail: "extinct"})

	out := buf.String()
	assert.NotContains(t, out, "birth")
	assert.Contains(t, out, "msg=run_end")
	assert.Contains(t, out, "run=2")
	assert.Contains(t, out, "detail=extinct")
}
