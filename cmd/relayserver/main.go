package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/strangers/relay/internal/config"
	"github.com/strangers/relay/internal/logging"
	"github.com/strangers/relay/internal/messaging"
	"github.com/strangers/relay/internal/metrics"
	"github.com/strangers/relay/internal/moderation"
	"github.com/strangers/relay/internal/protocol"
	"github.com/strangers/relay/internal/ratelimit"
	"github.com/strangers/relay/internal/relay"
	"github.com/strangers/relay/internal/session"
	"github.com/strangers/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("relay server failed", zap.Error(err))
	}
}

// app is the wired process: the WebSocket server, the relay behind it and
// the optional Redis and NATS clients.
type app struct {
	server  *ws.Server
	relay   *relay.Relay
	closers []func()
}

func (a *app) close() {
	a.relay.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	var (
		a       = &app{}
		opts    []relay.Option
		limiter relay.Limiter = ratelimit.NewLocalLimiter()
	)
	fail := func(err error) (*app, error) {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		return nil, err
	}

	// --- Redis (optional) ---
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		opts = append(opts, relay.WithPresence(store))
		limiter = ratelimit.NewRedisLimiter(store.Client(), log)
	}
	opts = append(opts, relay.WithLimiter(limiter))

	// --- NATS (optional) ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		nc, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, nc.Close)
		opts = append(opts, relay.WithPublisher(nc))
	}

	classifier := moderation.NewHTTPClassifier(moderation.ClassifierConfig{
		URL:           cfg.ClassifierURL,
		Timeout:       cfg.ClassifierTimeout,
		MaxImageBytes: cfg.MaxImageBytes,
	}, nil)

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr(),
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	relayConfig := relay.DefaultConfig()
	relayConfig.ModerationTimeout = cfg.ClassifierTimeout
	relayConfig.MessageRule = ratelimit.Rule{Key: ratelimit.RuleMessage.Key, Limit: cfg.MessageLimit, Window: cfg.MessageWindow}
	relayConfig.SkipRule = ratelimit.Rule{Key: ratelimit.RuleSkip.Key, Limit: cfg.SkipLimit, Window: cfg.SkipWindow}

	dispatcher := ws.NewMessageDispatcher(log)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch, log)
	rl := relay.New(relayConfig, server, classifier, log, opts...)
	a.server, a.relay = server, rl

	server.SetOnConnect(rl.Connect)
	server.SetOnDisconnect(rl.Disconnect)
	server.SetStats(func() ws.HealthStats {
		st := rl.Stats()
		return ws.HealthStats{Online: st.Online, Waiting: st.Waiting}
	})

	// -----------------------------------------------------------------------
	// Client events
	// -----------------------------------------------------------------------

	dispatcher.Register(protocol.EventMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MessageMsg)
		if !ok {
			return
		}
		ev, err := m.ToChat()
		if err != nil {
			dispatcher.SendError(conn, ws.CodeUnsupportedType, "unsupported message type")
			return
		}
		rl.Send(conn.ID, ev)
	})

	dispatcher.Register(protocol.EventTyping, func(conn *ws.Connection, _ interface{}) {
		rl.Typing(conn.ID)
	})

	dispatcher.Register(protocol.EventSkip, func(conn *ws.Connection, _ interface{}) {
		if err := rl.Skip(conn.ID); err != nil {
			log.Warn("skip failed", zap.String("session", conn.ID), zap.Error(err))
		}
	})

	// -----------------------------------------------------------------------
	// HTTP routes
	// -----------------------------------------------------------------------

	server.Handle("/metrics", metrics.Handler())
	if cfg.StaticDir != "" {
		server.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	return a, nil
}

func run(cfg config.Config, log *zap.Logger) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info("relay server starting",
		zap.String("listen_addr", cfg.ListenAddr()),
		zap.String("classifier_url", cfg.ClassifierURL),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.String("static_dir", cfg.StaticDir),
		zap.String("server_name", cfg.ServerName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return nil
}
