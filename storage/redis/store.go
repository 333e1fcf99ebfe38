// Package redisstore persists room history in Redis as a capped, expiring
// list per room.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/akarpov/chatrelay/model"
	"github.com/akarpov/chatrelay/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrAppend  = errors.New("unable to append message to history")
	ErrHistory = errors.New("unable to fetch room history")
)

type Store struct {
	logger zerolog.Logger
	client *redis.Client
}

func New(client *redis.Client, logger *zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "redis-store").Logger(),
		client: client,
	}
}

func historyKey(room string) string {
	return "room:" + room + ":messages"
}

// Append pushes the message onto the room's list, trims the list to the cap
// and resets the key's TTL. The three commands go out in one pipeline so
// every successful append leaves the key capped and refreshed.
func (s *Store) Append(ctx context.Context, room string, msg model.Message) error {
	b, err := json.Marshal(&msg)
	if err != nil {
		return errors.Join(ErrAppend, err)
	}

	key := historyKey(room)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -storage.HistoryCap, -1)
	pipe.Expire(ctx, key, storage.HistoryTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Join(ErrAppend, err)
	}
	return nil
}

// History returns up to limit most recent messages, oldest first. Unknown
// or expired rooms yield an empty slice. Records that fail to decode are
// dropped from the result.
func (s *Store) History(ctx context.Context, room string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = storage.HistoryCap
	}
	entries, err := s.client.LRange(ctx, historyKey(room), int64(-limit), -1).Result()
	if err != nil {
		return nil, errors.Join(ErrHistory, err)
	}
	return s.decodeEntries(room, entries), nil
}

func (s *Store) decodeEntries(room string, entries []string) []model.Message {
	msgs := make([]model.Message, 0, len(entries))
	for _, entry := range entries {
		var msg model.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Msg("dropping malformed history record")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
