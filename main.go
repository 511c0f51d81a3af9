package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"devicehub/adb"
	"devicehub/api"
	"devicehub/config"
	"devicehub/service"
)

// setupLogging creates a log file in the log directory with timestamp
// Returns the log file handle (caller should defer Close())
func setupLogging() (*os.File, error) {
	// Create log directory if not exists
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create log file with timestamp: log/2026-08-30_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Write to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("📝 Logging to: %s", logPath)
	return logFile, nil
}

func main() {
	// Setup file logging
	logFile, err := setupLogging()
	if err != nil {
		log.Printf("Warning: Failed to setup file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting Device Hub...")

	store, err := config.OpenStreamConfigStore(config.DatabasePath)
	if err != nil {
		log.Printf("Warning: stream config persistence disabled: %v", err)
		store = nil
	} else {
		defer store.Close()
	}

	adbClient := adb.NewClient(config.ADBPath)

	// Agent presence registry and its sweeper
	registry := service.NewClientRegistry(config.InactiveThreshold)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go registry.RunSweeper(sweepCtx, config.SweepInterval, config.EvictThreshold)

	// Mirror sessions
	launcher := service.NewScrcpyLauncher(adbClient,
		config.ScrcpyServerLocalPath, config.ScrcpyServerRemotePath, config.ScrcpyServerVersion)
	streams := service.NewStreamSessionManager(launcher, store)

	// Command queues, gated on the owning agent's presence
	executor := service.NewADBExecutor(adbClient, launcher, config.InputDriver, config.InputAllowFallback)
	commands := service.NewSessionManager(executor, registry.DeviceAvailable, config.CommandHistory)

	// Live viewing
	transport := service.NewWebRTCTransport(registry, config.ICEServers(),
		config.ICEGatherTimeout, config.OfferTimeout)
	live := service.NewLiveCoordinator(transport, streams,
		config.MJPEGAvailable, config.MJPEGBaseURL,
		config.FallbackTimeout, config.RetryAttempts, config.RetryDelay, config.StatsInterval)
	streams.SetStateChangeHook(func(deviceID string) {
		go live.Reconcile(deviceID)
	})

	router := gin.Default()
	api.SetupRoutes(router, &api.Handlers{
		ADB:                adbClient,
		Commands:           commands,
		Streams:            streams,
		Live:               live,
		Registry:           registry,
		ICEServers:         config.ICEServers(),
		MJPEGAvailable:     config.MJPEGAvailable,
		InputDriver:        config.InputDriver,
		InputAllowFallback: config.InputAllowFallback,
		OfferTimeout:       config.OfferTimeout,
	}, registry)

	// Shut sessions down cleanly on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		live.TeardownAll()
		streams.StopAll()
		commands.Shutdown()
		if store != nil {
			store.Close()
		}
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(0)
	}()

	log.Printf("Server starting on http://localhost%s", config.HTTPAddr)
	log.Println("Agent websocket on ws://localhost" + config.HTTPAddr + "/ws")

	if err := router.Run(config.HTTPAddr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
