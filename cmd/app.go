package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/akarpov/chatrelay/fanout"
	"github.com/akarpov/chatrelay/registry"
	"github.com/akarpov/chatrelay/relay"
	httpServer "github.com/akarpov/chatrelay/server/http"
	websocketServer "github.com/akarpov/chatrelay/server/websocket"
	"github.com/akarpov/chatrelay/storage/memory"
	redisstore "github.com/akarpov/chatrelay/storage/redis"
)

const defaultStoreTimeout = 2 * time.Second

type config struct {
	APIListenAddr  string `env:"CHATRELAY_API_ADDR" envDefault:":8080"`
	WSListenAddr   string `env:"CHATRELAY_WS_ADDR" envDefault:":8888"`
	LogLevel       string `env:"CHATRELAY_LOG_LEVEL" envDefault:"debug"`
	RedisAddr      string `env:"CHATRELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	HistoryBackend string `env:"CHATRELAY_HISTORY_BACKEND" envDefault:"redis"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse environment")
	}

	// Flags override environment.
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket chat listen address")
		logLevel       = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		redisAddr      = fs.StringP("redis-addr", "r", cfg.RedisAddr, "redis address")
		historyBackend = fs.StringP("history-backend", "b", cfg.HistoryBackend, "history backend: redis or memory")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var store relay.HistoryStore
	switch *historyBackend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:         *redisAddr,
			DialTimeout:  defaultStoreTimeout,
			ReadTimeout:  defaultStoreTimeout,
			WriteTimeout: defaultStoreTimeout,
		})
		store = redisstore.New(client, &logger)
	case "memory":
		store = memory.NewStore()
	default:
		logger.Fatal().Str("backend", *historyBackend).Msg("unknown history backend")
	}

	reg := registry.New()
	rly := relay.New(relay.Config{
		Logger:   &logger,
		Registry: reg,
		Store:    store,
		Table:    fanout.NewTable(&logger),
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		Presence:     reg,
		Store:        store,
		ListenAddr:   *apiListenAddr,
		WSListenAddr: *wsListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: rly,
		ListenAddr:   *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
