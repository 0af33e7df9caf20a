package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"glsnap-mcp-server/internal/browser"
	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	mcpserver "glsnap-mcp-server/internal/mcp"
	"glsnap-mcp-server/internal/recorder"
	"glsnap-mcp-server/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file layered over the workspace config")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root instead of walking up")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery entirely")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}

	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace at %s", wsDir)
	}

	engine, err := mangle.NewEngine(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact engine: %v", err)
	}

	registry := tracker.NewRegistry()

	var rec *recorder.Recorder
	if r, err := recorder.NewRecorder(cfg.Server.RunsDir); err != nil {
		log.Printf("run recorder disabled: %v", err)
	} else if err := r.Start("server"); err != nil {
		log.Printf("run recorder disabled: %v", err)
	} else {
		rec = r
		defer rec.Close()
	}

	sessionManager := browser.NewSessionManager(cfg.Browser, registry, engine)
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use MCP tools to launch/attach later")
	}

	server, err := mcpserver.NewServer(cfg, sessionManager, engine, registry, rec)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting GLSnap MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting GLSnap MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
