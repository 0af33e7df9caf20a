package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"glsnap-mcp-server/internal/browser"
	"glsnap-mcp-server/internal/compare"
	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/recorder"
	"glsnap-mcp-server/internal/tracker"
	"glsnap-mcp-server/internal/webgl"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime, Rod session manager, screenshot comparator,
// and Mangle fact ledger.
type Server struct {
	cfg        config.Config
	sessions   *browser.SessionManager
	engine     *mangle.Engine
	pipeline   *tracker.Registry
	comparator *compare.Comparator
	baselines  *compare.BaselineStore
	recorder   *recorder.Recorder
	tools      map[string]Tool
	mcpServer  *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the GLSnap MCP server and registers all tools.
func NewServer(cfg config.Config, sessions *browser.SessionManager, engine *mangle.Engine, pipeline *tracker.Registry, rec *recorder.Recorder) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:        cfg,
		sessions:   sessions,
		engine:     engine,
		pipeline:   pipeline,
		comparator: compare.NewComparator(cfg.Comparator),
		baselines:  compare.NewBaselineStore(cfg.Comparator.BaselineDir),
		recorder:   rec,
		tools:      make(map[string]Tool),
		mcpServer:  mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by demos/tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

// sinkFor builds the notification sink one session's aggregator delivers to.
func (s *Server) sinkFor(sessionID string) webgl.Notifier {
	return &Sink{
		mcp:      s.mcpServer,
		recorder: s.recorder,
		engine:   s.engine,
		session:  sessionID,
	}
}

func (s *Server) registerAllTools() {
	// Browser lifecycle and sessions
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions, pipeline: s.pipeline})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&CreateSessionTool{sessions: s.sessions, recorder: s.recorder})
	s.registerTool(&AttachSessionTool{sessions: s.sessions, recorder: s.recorder})
	s.registerTool(&CloseSessionTool{sessions: s.sessions, pipeline: s.pipeline, recorder: s.recorder})
	s.registerTool(&NavigateTool{sessions: s.sessions, engine: s.engine, recorder: s.recorder})

	// Screenshots and visual regression
	s.registerTool(&ScreenshotTool{sessions: s.sessions, engine: s.engine, recorder: s.recorder})
	s.registerTool(&CaptureBaselineTool{sessions: s.sessions, baselines: s.baselines, engine: s.engine, recorder: s.recorder})
	s.registerTool(&CompareScreenshotsTool{cfg: s.cfg.Comparator, sessions: s.sessions, baselines: s.baselines, comparator: s.comparator, engine: s.engine, recorder: s.recorder})
	s.registerTool(&RunVisualTestTool{cfg: s.cfg.Comparator, sessions: s.sessions, baselines: s.baselines, comparator: s.comparator, engine: s.engine, recorder: s.recorder})
	s.registerTool(&ListBaselinesTool{baselines: s.baselines})

	// WebGL error collection
	s.registerTool(&StartErrorCollectionTool{cfg: s.cfg.Aggregator, sessions: s.sessions, pipeline: s.pipeline, engine: s.engine, recorder: s.recorder, sink: s.sinkFor})
	s.registerTool(&StopErrorCollectionTool{pipeline: s.pipeline, engine: s.engine, recorder: s.recorder})
	s.registerTool(&GetWebGLErrorsTool{pipeline: s.pipeline, engine: s.engine})

	// Fact queries and rules
	s.registerTool(&QueryFactsTool{engine: s.engine})
	s.registerTool(&ReadFactsTool{engine: s.engine})
	s.registerTool(&SubmitRuleTool{engine: s.engine})
	s.registerTool(&EvaluateRuleTool{engine: s.engine})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
