// fleetlink is the telemetry core: it listens for tracker connections
// on the configured protocol ports, decodes and persists positions,
// evaluates alert rules, pushes live updates to dashboards and drives
// the device command queue.
//
// The server looks for a configuration file given with --config (JSON
// or YAML, see the config package for the schema and defaults) and
// runs until SIGINT or SIGTERM, then shuts down gracefully: listeners
// stop accepting, in-flight positions drain, sessions close.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fleetlink/fleetlink/alert"
	"github.com/fleetlink/fleetlink/api"
	"github.com/fleetlink/fleetlink/command"
	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/gateway"
	"github.com/fleetlink/fleetlink/hub"
	"github.com/fleetlink/fleetlink/notify"
	"github.com/fleetlink/fleetlink/pipeline"
	"github.com/fleetlink/fleetlink/storage"

	// Importing a codec package registers its protocol.
	_ "github.com/fleetlink/fleetlink/protocol/flespi"
	_ "github.com/fleetlink/fleetlink/protocol/gps103"
	_ "github.com/fleetlink/fleetlink/protocol/gt06"
	_ "github.com/fleetlink/fleetlink/protocol/h02"
	_ "github.com/fleetlink/fleetlink/protocol/meitrack"
	_ "github.com/fleetlink/fleetlink/protocol/osmand"
	_ "github.com/fleetlink/fleetlink/protocol/queclink"
	_ "github.com/fleetlink/fleetlink/protocol/teltonika"
	_ "github.com/fleetlink/fleetlink/protocol/tk103"
	_ "github.com/fleetlink/fleetlink/protocol/totem"
)

const sweepInterval = 60 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	debug := pflag.Bool("debug", false, "log at debug level")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := newLogger(cfg, *debug)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var pool *redis.Pool
	if cfg.RedisURL != "" {
		pool = newRedisPool(cfg.RedisURL)
		defer pool.Close()
	}

	h := hub.New(log, pool)
	go h.Run(ctx)

	notifier := notify.New(log)
	engine := alert.New(log, store, notifier, h)
	pipe := pipeline.New(log, store, engine, h)

	// Warm start: live device state survives a restart.
	if states, err := store.DeviceStates(ctx); err != nil {
		log.Warn().Err(err).Msg("loading device states")
	} else {
		pipe.Warm(states)
		log.Info().Int("devices", len(states)).Msg("device state restored")
	}

	registry := gateway.NewRegistry()
	dispatcher := command.New(log, store, registry)
	gw := gateway.New(log, cfg, store, pipe, dispatcher, registry)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	apiServer := api.New(log, cfg.Secret, store, pipe, dispatcher, engine, h)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPPort),
		Handler: apiServer.Router(),
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
		}
	}()

	// One ticker drives offline detection, stale-trip closure and the
	// command ack timeout.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		offlineAfter := time.Duration(cfg.OfflineAfterS) * time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pipe.Sweep(ctx, offlineAfter)
				engine.Sweep(ctx, pipe)
				dispatcher.Sweep(ctx)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	cancel()
	shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
	defer release()
	httpServer.Shutdown(shutdownCtx)
	gw.Stop()
	return nil
}

// newLogger builds the process logger: console output on a terminal,
// rotated JSON file when log_file is set.
func newLogger(cfg *config.Config, debug bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func newRedisPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 4 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.DialURL(url) },
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
