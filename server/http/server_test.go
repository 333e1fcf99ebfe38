package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov/chatrelay/model"
)

type fakePresence struct {
	rooms    map[string]int
	sessions int
}

func (f *fakePresence) Snapshot() map[string]int { return f.rooms }
func (f *fakePresence) Sessions() int            { return f.sessions }

type fakeStore struct {
	messages []model.Message
	err      error
}

func (f *fakeStore) History(context.Context, string, int) ([]model.Message, error) {
	return f.messages, f.err
}

func newTestServer(presence Presence, store HistoryStore) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{
		Logger:       &logger,
		Presence:     presence,
		Store:        store,
		ListenAddr:   ":0",
		WSListenAddr: ":8888",
	})
}

func TestStats(t *testing.T) {
	srv := newTestServer(&fakePresence{
		rooms:    map[string]int{"lobby": 2, "den": 1},
		sessions: 3,
	}, &fakeStore{})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]int{"lobby": 2, "den": 1}, resp.ActiveRooms)
	assert.Equal(t, 3, resp.Connections)
}

func TestHistory(t *testing.T) {
	store := &fakeStore{messages: []model.Message{
		{Username: "alice", Content: "hi", Room: "lobby", Timestamp: "2026-08-26T10:00:00Z"},
	}}
	srv := newTestServer(&fakePresence{}, store)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/room/lobby/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "lobby", resp.Room)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Content)
}

func TestHistoryStoreFailureYieldsEmptyList(t *testing.T) {
	srv := newTestServer(&fakePresence{}, &fakeStore{err: errors.New("store is down")})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/room/lobby/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(&fakePresence{}, &fakeStore{})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "chatrelay")
}

func TestIndexPageUsesConfiguredWSPort(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:       &logger,
		Presence:     &fakePresence{},
		Store:        &fakeStore{},
		ListenAddr:   ":0",
		WSListenAddr: ":9001",
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ":9001/ws")
	assert.NotContains(t, rec.Body.String(), "__WS_PORT__")
}

func TestRenderIndexPageFallsBackToDefaultPort(t *testing.T) {
	page := string(renderIndexPage(""))
	assert.Contains(t, page, ":"+defaultWSPort+"/ws")
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakePresence{}, &fakeStore{})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
