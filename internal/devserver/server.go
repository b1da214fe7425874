// Package devserver simulates the job-execution service: chat, job
// lifecycle, status polling, file retrieval, and per-job push channels over
// WebSocket and Server-Sent Events. It backs the integration tests and the
// "atelier sim" command.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Atomixxxx/mon-atelier-ia/internal/jobapi"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// LaunchPhrase closes discovery in DefaultResponder replies.
const LaunchPhrase = "Parfait ! Je lance l'Agent Développeur IA pour créer votre projet !"

// ResponderFunc produces the orchestrator's reply to a chat request.
type ResponderFunc func(req jobapi.ChatRequest) jobapi.ChatResponse

// DefaultResponder asks one question on the opening message and announces
// the launch once the conversation carries context.
func DefaultResponder(req jobapi.ChatRequest) jobapi.ChatResponse {
	reply := "Super idée ! Quelles sont les fonctionnalités indispensables pour vous ?"
	if strings.Contains(req.Message, "CONTEXTE DE NOTRE CONVERSATION") {
		reply = LaunchPhrase
	}
	return jobapi.ChatResponse{Success: true, Agent: req.Agent, Response: reply}
}

// Server is the simulated service.
type Server struct {
	store      *Store
	scenario   ScenarioFunc
	responder  ResponderFunc
	chunkDelay time.Duration
	startDelay time.Duration
	prefix     string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithScenario sets how jobs are simulated.
func WithScenario(fn ScenarioFunc) Option {
	return func(s *Server) { s.scenario = fn }
}

// WithResponder sets the chat behaviour.
func WithResponder(fn ResponderFunc) Option {
	return func(s *Server) { s.responder = fn }
}

// WithChunkDelay sets the pause between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) { s.chunkDelay = d }
}

// WithStartDelay sets the pause before a job starts running.
func WithStartDelay(d time.Duration) Option {
	return func(s *Server) { s.startDelay = d }
}

// WithPrefix mounts every route under prefix, e.g. "/ultra".
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = strings.TrimRight(prefix, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server with the default scenario and responder.
func New(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:      NewStore(),
		scenario:   DefaultScenario,
		responder:  DefaultResponder,
		chunkDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the job registry.
func (s *Server) Store() *Store { return s.store }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.prefix
	mux.HandleFunc("POST "+p+"/chat", s.handleChat)
	mux.HandleFunc("POST "+p+"/workflow/start", s.handleStart)
	mux.HandleFunc("GET "+p+"/workflows", s.handleList)
	mux.HandleFunc("GET "+p+"/workflow/{id}/status", s.handleStatus)
	mux.HandleFunc("GET "+p+"/workflow/{id}/files", s.handleFiles)
	mux.HandleFunc("POST "+p+"/workflow/{id}/stop", s.handleStop)
	mux.HandleFunc("GET "+p+"/workflow/{id}/events", s.handleSSE)
	mux.HandleFunc("GET "+p+"/ws/{id}", s.handleWS)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr has port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("devserver stopped", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Close cancels running simulations and shuts the listener down.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ----------------------------------------------------------------------------
// REST
// ----------------------------------------------------------------------------

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req jobapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobapi.ChatResponse{Error: "invalid body: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.responder(req))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req jobapi.StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobapi.StartJobResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusOK, jobapi.StartJobResponse{Error: "prompt is required"})
		return
	}
	agent := req.AgentID
	if agent == "" {
		agent = "quantum_developer"
	}

	ctx, cancel := context.WithCancel(s.ctx)
	rec := &jobRecord{
		id:     uuid.NewString(),
		prompt: req.Prompt,
		agent:  agent,
		state:  jobapi.StateCreated,
		agents: []string{agent},
		cancel: cancel,
	}
	if err := s.store.create(rec); err != nil {
		cancel()
		writeJSON(w, http.StatusInternalServerError, jobapi.StartJobResponse{Error: err.Error()})
		return
	}
	go s.simulate(ctx, rec.id, agent, s.scenario(req.Prompt))

	s.logger.Info("job created", "job", rec.id, "agent", agent)
	writeJSON(w, http.StatusOK, jobapi.StartJobResponse{Success: true, JobID: rec.id, Status: jobapi.StateCreated})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Status(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.Files(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.store.stop(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ----------------------------------------------------------------------------
// Push channels
// ----------------------------------------------------------------------------

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	replay, ch, cancel, err := s.store.subscribe(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	sw := jobapi.NewSSEWriter(w)
	sw.Init()
	for _, ev := range replay {
		if err := sw.WriteEvent(ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.WriteEvent(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	replay, ch, cancel, err := s.store.subscribe(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Only the write pump writes to conn.
	pongs := make(chan struct{}, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		write := func(ev jobapi.StreamEvent) bool {
			data, err := jobapi.Encode(ev)
			if err != nil {
				return true
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		for _, ev := range replay {
			if !write(ev) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job ended"))
					return
				}
				if !write(ev) {
					return
				}
			case <-pongs:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// The read loop answers keepalives and notices the client leaving.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stop()
			<-writerDone
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if isPing(data) {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func isPing(data []byte) bool {
	msg := strings.TrimSpace(string(data))
	if msg == "ping" {
		return true
	}
	var in struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &in) == nil && strings.EqualFold(in.Type, "ping")
}

// ----------------------------------------------------------------------------
// Simulation
// ----------------------------------------------------------------------------

func (s *Server) simulate(ctx context.Context, id, agent string, sc Scenario) {
	env := jobapi.Envelope{Job: id}
	if !sleep(ctx, s.startDelay) {
		return
	}
	if !s.store.update(id, jobapi.Started{Envelope: env, Agent: agent}, func(r *jobRecord) {
		r.state = jobapi.StateExecuting
	}) {
		return
	}

	total := 0
	for _, text := range sc.Chunks {
		if !sleep(ctx, s.chunkDelay) {
			return
		}
		total += len([]rune(text))
		ev := jobapi.TokenChunk{Envelope: env, Agent: agent, Text: text, CumulativeLength: total}
		if !s.store.update(id, ev, nil) {
			return
		}
	}
	if !sleep(ctx, s.chunkDelay) {
		return
	}

	if sc.FailWith != "" {
		s.store.update(id, jobapi.Failed{Envelope: env, Message: sc.FailWith}, func(r *jobRecord) {
			r.state = jobapi.StateError
			r.errMsg = sc.FailWith
		})
		return
	}
	s.store.update(id, jobapi.Completed{Envelope: env, FileCount: len(sc.Files)}, func(r *jobRecord) {
		r.files = make(map[string]jobapi.FileEntry, len(sc.Files))
		for p, content := range sc.Files {
			r.files[p] = jobapi.FileEntry{Path: p, Content: content}
		}
		r.state = jobapi.StateCompleted
		r.current = len(r.agents) - 1
	})
	s.logger.Info("job simulated", "job", id, "files", len(sc.Files))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
