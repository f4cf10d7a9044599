// Package httpapi exposes the mail processing chain and the relay queue over
// HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/health"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxMessageSize bounds the raw message accepted by POST /api/v1/messages.
const MaxMessageSize = 25 << 20

// Processor runs a mail through the mailet chain.
type Processor interface {
	Run(ctx context.Context, m *mail.Mail) ([]*mail.Mail, error)
}

// QueueStats reports relay queue depth.
type QueueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

// HealthReporter aggregates component health.
type HealthReporter interface {
	Overall() health.Status
	Reports() map[string]health.Report
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	chain        Processor
	outbox       mailet.Sender
	queue        QueueStats
	health       HealthReporter
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string

	Chain Processor
	// Outbox receives the mails still processing at the end of the chain.
	// Without it they are reported but not delivered.
	Outbox mailet.Sender
	Queue  QueueStats
	Health HealthReporter
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Chain == nil {
		return nil, fmt.Errorf("a mailet chain is required for HTTP API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		chain:        options.Chain,
		outbox:       options.Outbox,
		queue:        options.Queue,
		health:       options.Health,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: Starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler. /healthz and /metrics are open; the
// /api/v1 routes require the bearer API key.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/messages", s.handleProcessMessage).Methods("POST")
	v1.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")

	return router
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if !strings.Contains(host, "/") || ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// MailResult describes one mail a chain run ended with.
type MailResult struct {
	Name       string            `json:"name"`
	State      mail.State        `json:"state"`
	Sender     string            `json:"sender"`
	Recipients []string          `json:"recipients"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Error      string            `json:"error,omitempty"`
	Queued     bool              `json:"queued"`
}

// ProcessResponse is the body returned by POST /api/v1/messages.
type ProcessResponse struct {
	Mails []MailResult `json:"mails"`
	Error string       `json:"error,omitempty"`
}

// handleProcessMessage reads a raw RFC 5322 message, takes the envelope
// from the sender and rcpt query parameters, and runs it through the chain.
// Set dry_run=true to skip handing the resulting mails to the outbox.
func (s *Server) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	q := r.URL.Query()

	sender, err := parseSender(q.Get("sender"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rcpts := q["rcpt"]
	if len(rcpts) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one rcpt is required")
		return
	}
	recipients := make([]mail.Address, 0, len(rcpts))
	for _, rcpt := range rcpts {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid rcpt %q", rcpt))
			return
		}
		recipients = append(recipients, addr)
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read message")
		return
	}

	m, err := mail.Parse(uuid.NewString(), sender, recipients, raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Malformed message: %v", err))
		return
	}

	ctx := r.Context()
	results, runErr := s.chain.Run(ctx, m)

	resp := ProcessResponse{Mails: make([]MailResult, 0, len(results))}
	status := http.StatusOK
	if runErr != nil {
		logger.Warn("HTTP API: Mail processing failed", "mail", m.Name, "error", runErr)
		resp.Error = runErr.Error()
		status = http.StatusUnprocessableEntity
	}

	dryRun := q.Get("dry_run") == "true"
	for _, res := range results {
		mr := describe(res)
		if runErr == nil && !dryRun && s.outbox != nil && !res.State.Terminal() && len(res.Recipients()) > 0 {
			if err := s.outbox.SendMail(ctx, res); err != nil {
				logger.Error("HTTP API: Failed to queue mail", "mail", res.Name, "error", err)
				resp.Error = fmt.Sprintf("failed to queue %s: %v", res.Name, err)
				status = http.StatusServiceUnavailable
			} else {
				mr.Queued = true
			}
		}
		resp.Mails = append(resp.Mails, mr)
	}

	s.writeJSON(w, status, resp)
}

// parseSender treats an empty value and "<>" as the null reverse path.
func parseSender(v string) (*mail.Address, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "<>" {
		return nil, nil
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", v, consts.ErrInvalidAddress)
	}
	return &addr, nil
}

func describe(m *mail.Mail) MailResult {
	res := MailResult{
		Name:       m.Name,
		State:      m.State,
		Sender:     m.SenderString(),
		Recipients: make([]string, 0, len(m.Recipients())),
		Error:      m.ErrorMessage,
	}
	for _, r := range m.Recipients() {
		res.Recipients = append(res.Recipients, r.String())
	}

	names := m.AttributeNames()
	sort.Strings(names)
	if len(names) > 0 {
		res.Attributes = make(map[string]string, len(names))
		for _, name := range names {
			v, _ := m.Attribute(name)
			res.Attributes[name] = fmt.Sprint(v)
		}
	}
	return res
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusNotFound, "Relay queue is not configured")
		return
	}

	pending, processing, failed, err := s.queue.GetStats()
	if err != nil {
		logger.Error("HTTP API: Error reading queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{
		"pending":    pending,
		"processing": processing,
		"failed":     failed,
	})
}

// handleHealth answers 503 only when a critical component is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy})
		return
	}

	overall := s.health.Overall()
	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": s.health.Reports(),
	})
}
