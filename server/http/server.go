package http

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/akarpov/chatrelay/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultHistoryLimit = 50

	defaultWSPort = "8888"
)

var (
	ErrUnexpected = errors.New("unexpected server error")

	//go:embed index.html
	indexPage []byte
)

type (
	// Presence is the read-only view of live room membership.
	Presence interface {
		Snapshot() map[string]int
		Sessions() int
	}

	HistoryStore interface {
		History(ctx context.Context, room string, limit int) ([]model.Message, error)
	}

	Config struct {
		Logger     *zerolog.Logger
		Presence   Presence
		Store      HistoryStore
		ListenAddr string
		// WSListenAddr is the chat endpoint's listen address; its port is
		// rendered into the client page.
		WSListenAddr string
	}

	Server struct {
		logger   zerolog.Logger
		presence Presence
		store    HistoryStore
		page     []byte
		*http.Server
	}
)

type StatsResponse struct {
	ActiveRooms map[string]int `json:"active_rooms"`
	Connections int            `json:"connections"`
}

type HistoryResponse struct {
	Room     string          `json:"room"`
	Messages []model.Message `json:"messages"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		presence: cfg.Presence,
		store:    cfg.Store,
		page:     renderIndexPage(cfg.WSListenAddr),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /{$}", srv.index)
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("GET /api/room/{room}/history", srv.history)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

// renderIndexPage fills the client page's websocket port from the configured
// chat listen address.
func renderIndexPage(wsListenAddr string) []byte {
	port := defaultWSPort
	if _, p, err := net.SplitHostPort(wsListenAddr); err == nil && p != "" {
		port = p
	}
	return bytes.ReplaceAll(indexPage, []byte("__WS_PORT__"), []byte(port))
}

func (srv *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(srv.page)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(srv.page); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	resp := StatsResponse{
		ActiveRooms: srv.presence.Snapshot(),
		Connections: srv.presence.Sessions(),
	}
	srv.logger.Trace().Str("stats", spew.Sdump(resp)).Msg("stats requested")

	b, err := json.Marshal(&resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func (srv *Server) history(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	room := r.PathValue("room")
	if room == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	messages, err := srv.store.History(r.Context(), room, defaultHistoryLimit)
	if err != nil {
		// Degrade to an empty log, same as the join replay path.
		srv.logger.Warn().Err(err).Str("room", room).Msg("history fetch failed")
		messages = nil
	}
	if messages == nil {
		messages = []model.Message{}
	}

	b, err := json.Marshal(&HistoryResponse{Room: room, Messages: messages})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
