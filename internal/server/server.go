// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"github.com/ThinkInAIXYZ/go-mcp/transport"
	"github.com/charmbracelet/log"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/models"
	"mcp-calorie-log/internal/tracker"
)

type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	// BaseURL is the address MCP clients are told to post messages to.
	// Empty means http://Host:Port.
	BaseURL string
	// DefaultUser is used when a call carries no user_id.
	DefaultUser string
	Version     string
}

const (
	mcpSSEPath     = "/mcp/sse"
	mcpMessagePath = "/mcp/message"
)

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type CalorieLogServer struct {
	// server speaks MCP (initialize, tools/list, tools/call) on /mcp/sse and
	// /mcp/message; POST / is the plain JSON route to the same handlers.
	server     *server.Server
	info       protocol.Implementation
	httpServer *http.Server
	tracker    *tracker.Tracker
	tools      map[string]toolHandler
	config     *Config
	log        *log.Logger

	// closing ends open event streams when the server stops.
	closing      context.Context
	closeStreams context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

func NewCalorieLogServer(cfg *Config, t *tracker.Tracker, logger *log.Logger) (*CalorieLogServer, error) {
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "default"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://" + addr
	}

	calorieServer := &CalorieLogServer{
		tracker: t,
		config:  cfg,
		info:    protocol.Implementation{Name: "calorie-log", Version: cfg.Version},
		log:     logger.With("component", "server"),
	}
	calorieServer.closing, calorieServer.closeStreams = context.WithCancel(context.Background())

	mcpTransport, sse, err := transport.NewSSEServerTransportAndHandler(
		baseURL+mcpMessagePath,
		transport.WithSSEServerTransportAndHandlerOptionLogger(calorieServer.log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP transport: %w", err)
	}

	mcpServer, err := server.NewServer(
		mcpTransport,
		server.WithServerInfo(calorieServer.info),
		server.WithCapabilities(protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{ListChanged: true},
		}),
		server.WithLogger(calorieServer.log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	calorieServer.server = mcpServer

	calorieServer.tools = calorieServer.registerTools()

	var message http.Handler = sse.HandleMessage()
	if cfg.MaxBodyBytes > 0 {
		message = http.MaxBytesHandler(message, cfg.MaxBodyBytes)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", calorieServer.handleHTTP)
	mux.HandleFunc("/events", calorieServer.handleEvents)
	mux.HandleFunc("/healthz", calorieServer.handleHealth)
	mux.Handle(mcpSSEPath, sse.HandleSSE())
	mux.Handle(mcpMessagePath, message)

	calorieServer.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	return calorieServer, nil
}

// Handler exposes the routes without a listener.
func (s *CalorieLogServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *CalorieLogServer) Addr() string {
	return s.httpServer.Addr
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *CalorieLogServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}

	var request protocol.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown tool: %s", request.Name))
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), &request)
	if err != nil {
		status := statusFor(err)
		s.logToolError(request.Name, status, err)
		writeError(w, status, err)
		return
	}
	s.log.Debug("tool call", "tool", request.Name, "duration", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// handleEvents streams the caller's dashboard as server-sent events, one
// event per change to the meal collection.
func (s *CalorieLogServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID := s.userID(r.URL.Query().Get("user_id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	s.log.Debug("dashboard stream opened", "user", userID)
	err := s.tracker.Watch(ctx, userID, func(d *aggregate.Dashboard) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: dashboard\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("dashboard stream ended", "user", userID, "error", err)
		return
	}
	s.log.Debug("dashboard stream closed", "user", userID)
}

func (s *CalorieLogServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "name": s.info.Name, "version": s.info.Version})
}

func (s *CalorieLogServer) userID(raw string) string {
	if raw == "" {
		return s.config.DefaultUser
	}
	return raw
}

// Start serves until Stop is called.
func (s *CalorieLogServer) Start() error {
	s.log.Info("starting calorie log server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends open event streams and MCP sessions, then drains in-flight tool
// calls until ctx expires. Later calls return the first result.
func (s *CalorieLogServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.closeStreams()
		mcpErr := s.server.Shutdown(ctx)
		if mcpErr != nil {
			mcpErr = fmt.Errorf("failed to stop MCP sessions: %w", mcpErr)
		}
		s.stopErr = errors.Join(mcpErr, s.httpServer.Shutdown(ctx))
	})
	return s.stopErr
}

func (s *CalorieLogServer) logToolError(tool string, status int, err error) {
	if status == http.StatusInternalServerError {
		s.log.Error("tool call failed", "tool", tool, "error", err)
		return
	}
	s.log.Debug("tool call rejected", "tool", tool, "status", status, "error", err)
}

// mcpHandler adapts a tool for the MCP session transport. Tool failures are
// reported in the result with IsError set, as MCP clients expect.
func (s *CalorieLogServer) mcpHandler(name string, h toolHandler) server.ToolHandlerFunc {
	return func(req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
		result, err := h(s.closing, req)
		if err == nil {
			return result, nil
		}
		s.logToolError(name, statusFor(err), err)

		body, merr := json.Marshal(errorBodyFor(err))
		if merr != nil {
			return nil, merr
		}
		return &protocol.CallToolResult{
			Content: []protocol.Content{&protocol.TextContent{Type: "text", Text: string(body)}},
			IsError: true,
		}, nil
	}
}

type errorBody struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBodyFor(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Errors
	}
	return body
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBodyFor(err))
}

func (s *CalorieLogServer) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			&protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}
