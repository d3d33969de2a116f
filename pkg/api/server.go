// Package api serves the client interface of the daemon: codes, locks,
// emergency stop and reset over HTTP, and a websocket feed of the object
// model.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/job"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/protocol"
	"dcs-spi-go/pkg/reactor"
	"dcs-spi-go/pkg/scheduler"
)

// Machine is what the API drives. *scheduler.Scheduler implements it.
type Machine interface {
	Submit(channel gcode.Channel, cmd *gcode.Command) *reactor.Completion[scheduler.Result]
	RequestLock(channel gcode.Channel) *reactor.Completion[bool]
	RequestUnlock(channel gcode.Channel) *reactor.Completion[bool]
	RequestHeightMap() *reactor.Completion[protocol.HeightMap]
	NotifyEmergencyStop()
	NotifyReset()
	Status() scheduler.Status
	Model() *model.Model
	Job() *job.Job
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8080)
	Addr string

	// Machine executes the requests
	Machine Machine

	// WebSocket enables the /machine feed
	WebSocket bool

	// GCodes is the directory print files are listed from and uploaded to
	GCodes string

	// Logger defaults to the "api" logger
	Logger *log.Logger
}

// Server is the HTTP front end of the daemon.
type Server struct {
	machine Machine
	addr    string
	gcodes  string
	logger  *log.Logger

	httpServer *http.Server
	handler    http.Handler

	wsEnabled  bool
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64
}

// New creates a server. Routes are registered immediately so Handler can
// be used without Start.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("api")
	}
	s := &Server{
		machine:   cfg.Machine,
		addr:      cfg.Addr,
		gcodes:    cfg.GCodes,
		logger:    cfg.Logger,
		wsEnabled: cfg.WebSocket,
		wsClients: make(map[int64]*WSClient),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/code", s.handleCode)
	mux.HandleFunc("/api/lock", s.handleLock)
	mux.HandleFunc("/api/unlock", s.handleUnlock)
	mux.HandleFunc("/api/estop", s.handleEmergencyStop)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/model", s.handleModel)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/heightmap", s.handleHeightMap)
	s.registerPrintEndpoints(mux)
	if s.wsEnabled {
		mux.HandleFunc("/machine", s.handleWebSocket)
	}
	s.handler = s.corsMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("API server listening on %s", s.addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every websocket client and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// channelParam reads ?channel=, defaulting to HTTP
func channelParam(r *http.Request) (gcode.Channel, error) {
	name := r.URL.Query().Get("channel")
	if name == "" {
		return gcode.HTTP, nil
	}
	c, ok := gcode.ParseChannel(name)
	if !ok {
		return 0, errors.New(errors.ErrCommand, "unknown channel "+name)
	}
	return c, nil
}

// executeCodes submits every line of text on channel and waits for all
// replies. Codes are queued before the first wait so they run back to back.
func executeCodes(ctx context.Context, m Machine, channel gcode.Channel, text string) (scheduler.Result, error) {
	var pending []*reactor.Completion[scheduler.Result]
	for _, line := range strings.Split(text, "\n") {
		cmd, err := gcode.ParseCode(channel, line)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCommand, "invalid code").SetChannel(channel.String())
		}
		if cmd == nil {
			continue
		}
		pending = append(pending, m.Submit(channel, cmd))
	}

	var result scheduler.Result
	for _, p := range pending {
		r, err := p.Wait(ctx)
		if err != nil {
			return result, err
		}
		result = append(result, r...)
	}
	return result, nil
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel, err := channelParam(r)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}

	result, err := executeCodes(r.Context(), s.machine, channel, body)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if result.HasError() {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if text := result.String(); text != "" {
		w.Write([]byte(text + "\n"))
	}
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.lockRequest(w, r, s.machine.RequestLock)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.lockRequest(w, r, s.machine.RequestUnlock)
}

func (s *Server) lockRequest(w http.ResponseWriter, r *http.Request, request func(gcode.Channel) *reactor.Completion[bool]) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel, err := channelParam(r)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	acquired, err := request(channel).Wait(r.Context())
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"acquired": acquired})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn("Emergency stop requested by %s", r.RemoteAddr)
	s.machine.NotifyEmergencyStop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn("Reset requested by %s", r.RemoteAddr)
	s.machine.NotifyReset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	data, err := s.machine.Model().MarshalJSON()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.machine.Status())
}

func (s *Server) handleHeightMap(w http.ResponseWriter, r *http.Request) {
	hm, err := s.machine.RequestHeightMap().Wait(r.Context())
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, hm)
}

// CORS middleware for browser front ends served from another origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeJSONError maps the error code to an HTTP status
func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.ErrRuntime
	var herr *errors.HostError
	if stderrors.As(err, &herr) {
		code = herr.Code
	}
	switch code {
	case errors.ErrCommand, errors.ErrMacroMissing, errors.ErrConfig:
		status = http.StatusBadRequest
	case errors.ErrCancelled, errors.ErrTransportTimeout:
		status = http.StatusServiceUnavailable
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
}
