package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/store"
	"github.com/whisper/relay/internal/ws"
)

// messageLimiter adapts the Redis limiter to the gateway's capability
// interface, failing open on Redis errors.
type messageLimiter struct {
	limiter *ratelimit.Limiter
}

func (m messageLimiter) AllowMessage(ctx context.Context, connID string) bool {
	allowed, _ := m.limiter.Allow(ctx, connID, ratelimit.RuleMessage)
	return allowed
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.AllowedOrigin = cfg.AllowedOrigin
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	log.Printf("relay server starting")
	log.Printf("  listen_addr:      %s", serverConfig.ListenAddr)
	log.Printf("  allowed_origin:   %s", orDefault(cfg.AllowedOrigin, "(any)"))
	log.Printf("  worker_pool:      %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:  %d", serverConfig.MaxConnections)
	log.Printf("  history_capacity: %d", cfg.HistoryCapacity)

	opts := relay.Options{}

	// --- Durable store (optional) ---
	var durable *store.Store
	storeConfig := store.Config{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		DBName:   cfg.PostgresDB,
		SSLMode:  cfg.PostgresSSLMode,
	}
	if storeConfig.Enabled() {
		durable, err = store.New(storeConfig)
		if err != nil {
			log.Printf("durable store unavailable, continuing memory-only: %v", err)
		} else {
			opts.Store = durable
			log.Printf("  durable_store:    postgres host=%s db=%s", cfg.PostgresHost, cfg.PostgresDB)
		}
	} else {
		log.Printf("  durable_store:    disabled (credentials not configured)")
	}

	// --- Message tap (optional) ---
	var tap *messaging.Tap
	if cfg.NATSURL != "" {
		tapConfig := messaging.DefaultTapConfig()
		tapConfig.URL = cfg.NATSURL
		tap, err = messaging.NewTap(tapConfig)
		if err != nil {
			log.Printf("message tap unavailable, continuing without: %v", err)
		} else {
			opts.Tap = tap
		}
	}

	// --- Rate limiter (optional) ---
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewLimiter(cfg.RedisAddr)
		if err != nil {
			log.Printf("rate limiter unavailable, continuing without: %v", err)
		} else {
			opts.Limiter = messageLimiter{limiter: limiter}
		}
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	gateway := relay.NewGateway(server, cfg.HistoryCapacity, opts)

	// Re-seed history before accepting the first connection so early
	// connections see a consistent initial view.
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	gateway.SeedHistory(seedCtx)
	seedCancel()

	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.RegisterMsg); ok {
			gateway.Register(conn.ID, string(m.Name))
		}
	})
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ChatMsg); ok {
			gateway.Message(conn.ID, string(m.Name), string(m.Text), m.Ts)
		}
	})
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			gateway.Typing(conn.ID, string(m.Name), bool(m.Typing))
		}
	})
	dispatcher.Register(protocol.TypeSeen, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SeenMsg); ok {
			gateway.Seen(conn.ID, string(m.Name), m.Ts)
		}
	})

	server.SetOnConnect(gateway.Connect)
	server.SetOnDisconnect(gateway.Disconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if tap != nil {
			tap.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if durable != nil {
			if err := durable.Close(); err != nil {
				log.Printf("durable store close error: %v", err)
			}
		}
		if limiter != nil {
			if err := limiter.Close(); err != nil {
				log.Printf("rate limiter close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
