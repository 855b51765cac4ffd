package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ghost-hands/collabdocs/internal/authz"
	"github.com/ghost-hands/collabdocs/internal/changelog"
	"github.com/ghost-hands/collabdocs/internal/cursor"
	"github.com/ghost-hands/collabdocs/internal/metadata"
	"github.com/ghost-hands/collabdocs/internal/room"
	"github.com/ghost-hands/collabdocs/internal/version"
	"github.com/ghost-hands/collabdocs/pkg/database"
	"github.com/ghost-hands/collabdocs/pkg/logger"
	"github.com/ghost-hands/collabdocs/pkg/metrics"
	"github.com/ghost-hands/collabdocs/pkg/server"
)

// Config holds all server configuration, per SPEC_FULL.md §6.1's
// environment variable table.
type Config struct {
	Port                string
	MetricsAddr         string
	SQLiteURI           string
	MaxDocumentSize     int
	WSReadTimeout       time.Duration
	WSWriteTimeout      time.Duration
	BroadcastBufferSize int
	RecentRetention     int
	RoomGraceSeconds    time.Duration
	LogLevel            string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, reading configuration from the environment only")
	}

	logger.Init()
	defer logger.Sync()

	config := Config{
		Port:                getEnv("PORT", "3030"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		SQLiteURI:           getEnv("SQLITE_URI", "collabdocs.db"),
		MaxDocumentSize:     getEnvInt("MAX_DOCUMENT_SIZE_KB", 256) * 1024,
		WSReadTimeout:       time.Duration(getEnvInt("WS_READ_TIMEOUT_MINUTES", 30)) * time.Minute,
		WSWriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 32),
		RecentRetention:     getEnvInt("RECENT_RETENTION", 1024),
		RoomGraceSeconds:    time.Duration(getEnvInt("ROOM_GRACE_SECONDS", 30)) * time.Second,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	logger.Info("starting collabdocs server")
	logger.Info("port: %s", config.Port)
	logger.Info("database: %s", config.SQLiteURI)

	db, err := database.New(config.SQLiteURI)
	if err != nil {
		logger.Error("failed to initialize database: %v", err)
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	cl := changelog.NewStore(db.DB())
	manager := room.NewManager(room.ManagerConfig{
		CL:           cl,
		Cursors:      cursor.NewDefault(),
		Retention:    config.RecentRetention,
		GraceSeconds: config.RoomGraceSeconds,
		BufferSize:   config.BroadcastBufferSize,
	})
	versions := version.NewController(db.DB(), cl, manager, metadata.NoopStore{})
	manager.SetVersions(versions)

	srvCfg := server.Config{
		MaxDocumentSize:  config.MaxDocumentSize,
		WSReadTimeout:    config.WSReadTimeout,
		WSWriteTimeout:   config.WSWriteTimeout,
		BroadcastBufSize: config.BroadcastBufferSize,
	}
	// No external authorization or metadata service is configured for
	// this deployment; authz.AllowAll and metadata.NoopStore keep the
	// boundary adapter's collaborator contracts satisfied without
	// coupling the core to a concrete implementation (spec §6).
	srv := server.New(srvCfg, manager, versions, cl, authz.AllowAll{}, metadata.NoopStore{})

	go func() {
		logger.Info("metrics listening on %s", config.MetricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", config.Port)
	log.Fatal(srv.ListenAndServe(addr))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
