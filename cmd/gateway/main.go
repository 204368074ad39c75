package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/stayloop/realtime-gateway/internal/auth"
	"github.com/stayloop/realtime-gateway/internal/gateway"
	"github.com/stayloop/realtime-gateway/internal/message"
	"github.com/stayloop/realtime-gateway/internal/messaging"
	"github.com/stayloop/realtime-gateway/internal/notification"
	"github.com/stayloop/realtime-gateway/internal/presence"
	"github.com/stayloop/realtime-gateway/internal/ratelimit"
	"github.com/stayloop/realtime-gateway/internal/routing"
)

func main() {
	// .env is convenience for local development; real deployments set the
	// environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("gateway: loading .env: %v", err)
	}

	config := gateway.DefaultServerConfig()

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
	if v := os.Getenv("AUTH_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.AuthDeadline = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}

	nodeName, _ := os.Hostname()
	if v := os.Getenv("NODE_NAME"); v != "" {
		nodeName = v
	}
	if nodeName == "" {
		nodeName = "gw-1"
	}

	// --- Postgres ---
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/stayloop?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://migrations"
	}
	if err := runMigrations(db, migrationsPath); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	messageStore := message.NewStore(db)
	notificationStore := notification.NewStore(db)

	// --- Redis (presence mirror + rate limits) ---
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	var mirror *presence.Mirror
	var limiter *ratelimit.Limiter
	if m, err := presence.NewMirror(redisAddr, nodeName); err != nil {
		log.Printf("gateway: Redis unavailable at %s, running without presence mirror and rate limits: %v", redisAddr, err)
	} else {
		mirror = m
		limiter = ratelimit.NewLimiter(m.Client())
	}

	// --- NATS (cross-node relay) ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	var relay *messaging.Client
	if c, err := messaging.NewClient(natsConfig); err != nil {
		log.Printf("gateway: NATS unavailable at %s, running single-node: %v", natsConfig.URL, err)
	} else {
		relay = c
	}

	log.Printf("Stayloop realtime gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  auth_deadline:   %s", config.AuthDeadline)
	log.Printf("  node_name:       %s", nodeName)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	directory := presence.NewDirectory()

	// Interface-typed nils must stay nil, not wrap a nil pointer.
	var pub routing.Publisher
	if relay != nil {
		pub = relay
	}
	var cluster routing.ClusterPresence
	if mirror != nil {
		cluster = mirror
	}

	router := routing.NewRouter(directory, messageStore, pub, cluster, nodeName)
	dispatcher := routing.NewDispatcher(directory, notificationStore, pub, cluster, nodeName)
	verifier := auth.NewVerifier(jwtSecret, nil)

	server := gateway.NewServer(config, directory, mirror, limiter)
	handlers := gateway.NewHandlers(server, verifier, router, dispatcher, limiter)
	server.SetOnEvent(handlers.Events().Dispatch)

	// Cluster relay subscriptions: deliver events that other nodes persisted.
	if relay != nil {
		err := relay.SubscribeMessages(func(data []byte) {
			var ev routing.MessageRelay
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[relay] message unmarshal: %v", err)
				return
			}
			router.DeliverRelayed(ev)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to message relay: %v", err)
		}

		err = relay.SubscribeNotifications(func(data []byte) {
			var ev routing.NotificationRelay
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[relay] notification unmarshal: %v", err)
				return
			}
			dispatcher.DeliverRelayedNotification(ev)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to notification relay: %v", err)
		}

		err = relay.SubscribeBroadcasts(func(data []byte) {
			var ev routing.BroadcastRelay
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[relay] broadcast unmarshal: %v", err)
				return
			}
			dispatcher.DeliverRelayedBroadcast(ev)
		})
		if err != nil {
			log.Fatalf("failed to subscribe to broadcast relay: %v", err)
		}
	}

	internalAPI := gateway.NewInternalAPI(directory, dispatcher)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if relay != nil {
			relay.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if mirror != nil {
			if err := mirror.Close(); err != nil {
				log.Printf("mirror close error: %v", err)
			}
		}
		if err := db.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(internalAPI); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runMigrations(db *sql.DB, sourceURL string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	log.Printf("gateway: schema at migration version %d (dirty=%v)", version, dirty)
	return nil
}
