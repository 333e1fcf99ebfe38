// Package relay binds connection lifecycle to room semantics: it dispatches
// decoded client events, keeps the membership registry consistent, replays
// history on join, and fans events out to room members.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/akarpov/chatrelay/model"
	"github.com/akarpov/chatrelay/registry"
	"github.com/rs/zerolog"
)

const (
	historyReplayLimit = 50

	defaultUsername = "Anonymous"
)

type (
	// HistoryStore is the durable per-room message log. Both operations are
	// best-effort from the relay's point of view: chat keeps working when
	// the store is down.
	HistoryStore interface {
		Append(ctx context.Context, room string, msg model.Message) error
		History(ctx context.Context, room string, limit int) ([]model.Message, error)
	}

	// Sender is the transport-facing side of the connection table.
	Sender interface {
		Connect(sid string, wire model.Wire)
		Disconnect(sid string)
		Send(ctx context.Context, sid string, ev model.Event) bool
	}

	Relay struct {
		logger   zerolog.Logger
		registry *registry.Registry
		store    HistoryStore
		table    Sender

		// roomLocks serializes mutating operations per room; rooms are
		// independent of each other.
		roomsMx   *sync.Mutex
		roomLocks map[string]*sync.Mutex

		// live holds sessions between Connect and Disconnect. A join must
		// not re-register a session whose Disconnect already ran, so Add is
		// gated on liveness under sessMx.
		sessMx *sync.Mutex
		live   map[string]struct{}
	}

	Config struct {
		Logger   *zerolog.Logger
		Registry *registry.Registry
		Store    HistoryStore
		Table    Sender
	}
)

func New(cfg Config) *Relay {
	return &Relay{
		logger:    cfg.Logger.With().Str("component", "relay").Logger(),
		registry:  cfg.Registry,
		store:     cfg.Store,
		table:     cfg.Table,
		roomsMx:   &sync.Mutex{},
		roomLocks: make(map[string]*sync.Mutex),
		sessMx:    &sync.Mutex{},
		live:      make(map[string]struct{}),
	}
}

func (r *Relay) roomLock(room string) *sync.Mutex {
	r.roomsMx.Lock()
	defer r.roomsMx.Unlock()
	lock, ok := r.roomLocks[room]
	if !ok {
		lock = &sync.Mutex{}
		r.roomLocks[room] = lock
	}
	return lock
}

// Connect registers the wire and starts the per-connection dispatch loop.
// The transport delivers one decoded event at a time per connection through
// wire.RX; the loop ends when ctx is canceled.
func (r *Relay) Connect(ctx context.Context, sid string, wire model.Wire) {
	r.trackSession(sid)
	r.table.Connect(sid, wire)
	r.logger.Debug().Str("sid", sid).Msg("session connected")
	go r.dispatch(ctx, sid, wire.RX)
}

// Disconnect removes the session from its room (announcing the departure)
// and drops its wire. Safe to call for sessions that never joined a room.
func (r *Relay) Disconnect(ctx context.Context, sid string) {
	r.sessMx.Lock()
	delete(r.live, sid)
	r.sessMx.Unlock()

	room, username, ok := r.registry.RemoveEverywhere(sid)
	if ok {
		lock := r.roomLock(room)
		lock.Lock()
		r.announceLeft(room, username)
		lock.Unlock()
	}
	r.table.Disconnect(sid)
	r.logger.Debug().Str("sid", sid).Msg("session disconnected")
}

func (r *Relay) trackSession(sid string) {
	r.sessMx.Lock()
	r.live[sid] = struct{}{}
	r.sessMx.Unlock()
}

func (r *Relay) dispatch(ctx context.Context, sid string, rx <-chan model.RawEvent) {
dispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case ev := <-rx:
			r.handle(ctx, sid, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, sid string, ev model.RawEvent) {
	switch ev.Name {
	case model.EventJoin:
		var p model.JoinPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			r.logger.Debug().Err(err).Str("sid", sid).Msg("dropping malformed join payload")
			return
		}
		r.handleJoin(ctx, sid, p.Room, p.Username)
	case model.EventLeave:
		var p model.LeavePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			r.logger.Debug().Err(err).Str("sid", sid).Msg("dropping malformed leave payload")
			return
		}
		r.handleLeave(ctx, sid, p.Room)
	case model.EventMessage:
		var p model.MessagePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			r.logger.Debug().Err(err).Str("sid", sid).Msg("dropping malformed message payload")
			return
		}
		r.handleMessage(ctx, sid, p.Room, p.Message)
	default:
		r.logger.Debug().Str("sid", sid).Str("event", ev.Name).Msg("unknown event")
	}
}

func (r *Relay) handleJoin(ctx context.Context, sid, room, username string) {
	if room == "" {
		return
	}
	if username == "" {
		username = defaultUsername
	}

	if current, _, ok := r.registry.Room(sid); ok {
		if current == room {
			return
		}
		// Implicit leave: a session is in at most one room.
		r.handleLeave(ctx, sid, current)
	}

	lock := r.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	// Disconnect may have run while this join waited for the room lock;
	// adding then would resurrect a gone session.
	r.sessMx.Lock()
	_, alive := r.live[sid]
	if alive {
		r.registry.Add(room, sid, username)
	}
	r.sessMx.Unlock()
	if !alive {
		r.logger.Debug().Str("sid", sid).Str("room", room).Msg("dropping join from gone session")
		return
	}
	members := r.registry.Members(room)

	r.table.Send(ctx, sid, model.Event{
		Name: model.EventJoinSuccess,
		Data: model.JoinSuccessPayload{Room: room},
	})

	history, err := r.store.History(ctx, room, historyReplayLimit)
	if err != nil {
		r.logger.Warn().Err(err).Str("room", room).Msg("history fetch failed, replaying empty history")
		history = nil
	}
	if history == nil {
		history = []model.Message{}
	}
	r.table.Send(ctx, sid, model.Event{Name: model.EventRoomHistory, Data: history})

	r.broadcast(members, model.Event{
		Name: model.EventUserJoined,
		Data: model.PresencePayload{Username: username, Room: room, MemberCount: len(members)},
	}, sid)

	r.logger.Debug().
		Str("sid", sid).
		Str("room", room).
		Str("username", username).
		Msg("session joined room")
}

func (r *Relay) handleLeave(ctx context.Context, sid, room string) {
	if room == "" {
		return
	}

	lock := r.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	username, present := r.registry.Remove(room, sid)
	if !present {
		return
	}
	r.announceLeft(room, username)

	r.logger.Debug().
		Str("sid", sid).
		Str("room", room).
		Msg("session left room")
}

func (r *Relay) handleMessage(ctx context.Context, sid, room, content string) {
	if room == "" || content == "" {
		return
	}

	lock := r.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	current, username, ok := r.registry.Room(sid)
	if !ok || current != room {
		r.logger.Debug().Str("sid", sid).Str("room", room).Msg("dropping message from non-member")
		return
	}

	msg := model.NewMessage(room, username, content)
	if err := r.store.Append(ctx, room, msg); err != nil {
		r.logger.Warn().Err(err).Str("room", room).Msg("history append failed, delivering without persistence")
	}

	// The sender receives its own message back; clients rely on the echo
	// instead of rendering optimistically.
	r.broadcast(r.registry.Members(room), model.Event{Name: model.EventMessage, Data: msg}, "")
}

// announceLeft broadcasts user_left to the room's remaining members. Callers
// hold the room lock.
func (r *Relay) announceLeft(room, username string) {
	members := r.registry.Members(room)
	r.broadcast(members, model.Event{
		Name: model.EventUserLeft,
		Data: model.PresencePayload{Username: username, Room: room, MemberCount: len(members)},
	}, "")
}

// broadcast fans the event out to every member except exclude. A member that
// cannot be reached is skipped; the rest still get the event. Sends are not
// tied to the originating connection's context: the originator going away
// must not abort delivery to the remaining members, so each send is bounded
// only by the table's own timeout.
func (r *Relay) broadcast(members []registry.Member, ev model.Event, exclude string) {
	var sent bool
	for _, m := range members {
		if m.ID == exclude {
			continue
		}
		if r.table.Send(context.Background(), m.ID, ev) {
			sent = true
		}
	}
	if !sent {
		r.logger.Debug().Str("event", ev.Name).Msg("broadcast did not reach anyone")
	}
}
