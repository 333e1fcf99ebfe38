// Package fanout holds the table of live connection wires and delivers
// outbound events to them with a bounded send.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/akarpov/chatrelay/model"
	"github.com/rs/zerolog"
)

const defaultSendTimeout = time.Second

// Table maps session ids to their outbound wires. A session is in at most
// one room, so the table is flat; room scoping is the caller's concern.
type Table struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewTable(logger *zerolog.Logger) *Table {
	return &Table{
		logger: logger.With().Str("component", "fanout").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

func (t *Table) Connect(sid string, wire model.Wire) {
	t.mx.Lock()
	t.wires[sid] = wire
	t.mx.Unlock()
	t.logger.Debug().Str("sid", sid).Msg("endpoint connected")
}

func (t *Table) Disconnect(sid string) {
	t.mx.Lock()
	delete(t.wires, sid)
	t.mx.Unlock()
	t.logger.Debug().Str("sid", sid).Msg("endpoint disconnected")
}

// Send delivers one event to the session's transport. It reports whether
// the event was handed off; a missing wire, a dead endpoint, or context
// cancellation all yield false and never block beyond the send timeout.
func (t *Table) Send(ctx context.Context, sid string, ev model.Event) bool {
	t.mx.RLock()
	wire, ok := t.wires[sid]
	t.mx.RUnlock()

	if !ok {
		t.logger.Debug().Str("sid", sid).Str("event", ev.Name).Msg("cannot send, endpoint not found")
		return false
	}

	var sent bool
	tCh := time.NewTimer(defaultSendTimeout)
	select {
	case <-ctx.Done():
	case <-tCh.C:
		t.logger.Error().Str("sid", sid).Str("event", ev.Name).Msg("dead endpoint")
	case wire.TX <- ev:
		sent = true
	}
	tCh.Stop()
	return sent
}
