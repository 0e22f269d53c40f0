package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/ratelimit"
	"github.com/whisper/presence-relay/internal/relay"
	"github.com/whisper/presence-relay/internal/session"
	"github.com/whisper/presence-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()
	relayConfig := relay.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}
	if v := os.Getenv("TYPING_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			relayConfig.TypingExpiry = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	// --- NATS (optional) ---
	var (
		natsClient *messaging.NATSClient
		observer   relay.Observer
	)
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = os.Getenv("NATS_URL")
	if natsConfig.URL != "" {
		natsConfig.Name = "presence-relay-" + serverName
		client, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		natsClient = client
		observer = messaging.NewEventTap(natsClient, serverName)
	}

	// --- Redis (optional) ---
	var (
		sessionStore *session.Store
		limiter      relay.Limiter
	)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		store, err := session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessionStore = store
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	log.Printf("presence relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  typing_expiry:   %s", relayConfig.TypingExpiry)
	log.Printf("  allowed_origins: %v", config.AllowedOrigins)
	log.Printf("  nats_url:        %q", natsConfig.URL)
	log.Printf("  redis_addr:      %q", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, sessionStore, dispatcher.Dispatch)

	presence := relay.New(relayConfig, server.Connections(), observer, limiter)
	ws.BindRelay(server, dispatcher, presence)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		presence.Close()
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
