// Package memory provides an in-process history store with the same cap and
// expiry contract as the Redis backend. Useful for storeless deployments
// and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/akarpov/chatrelay/model"
	"github.com/akarpov/chatrelay/storage"
)

type roomLog struct {
	messages  []model.Message
	expiresAt time.Time
}

type Store struct {
	mx  *sync.Mutex
	db  map[string]*roomLog
	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		mx:  &sync.Mutex{},
		db:  make(map[string]*roomLog),
		now: time.Now,
	}
}

func (s *Store) Append(_ context.Context, room string, msg model.Message) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	log, ok := s.db[room]
	if !ok || s.now().After(log.expiresAt) {
		log = &roomLog{}
		s.db[room] = log
	}
	log.messages = append(log.messages, msg)
	if len(log.messages) > storage.HistoryCap {
		log.messages = log.messages[len(log.messages)-storage.HistoryCap:]
	}
	log.expiresAt = s.now().Add(storage.HistoryTTL)
	return nil
}

func (s *Store) History(_ context.Context, room string, limit int) ([]model.Message, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	log, ok := s.db[room]
	if !ok {
		return []model.Message{}, nil
	}
	if s.now().After(log.expiresAt) {
		delete(s.db, room)
		return []model.Message{}, nil
	}
	msgs := log.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
