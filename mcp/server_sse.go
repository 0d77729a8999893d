package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/agentworks/opsmcp/observability"
)

const (
	defaultAddress       = ":8080"
	defaultKeepalive     = 30 * time.Second
	channelBufferSize    = 16
	ingressRatePerSecond = 20
	ingressBurst         = 40
)

// channelBinding is one open push channel. At most one binding is active
// per session id; a newer open supersedes the older one via done.
type channelBinding struct {
	queue chan []byte
	done  chan struct{}
}

// SSEServer delivers envelopes over Server-Sent Events. Each session gets a
// one-way push channel on /events paired with a decoupled POST ingress on
// /message, correlated by session id.
type SSEServer struct {
	*BaseServer
	address   string
	keepalive time.Duration
	authGate  *AuthGate

	mu       sync.RWMutex
	channels map[string]*channelBinding
	limiters map[string]*rate.Limiter
}

// SSEOption configures an SSEServer.
type SSEOption func(*SSEServer)

// WithAddress sets the listen address.
func WithAddress(address string) SSEOption {
	return func(s *SSEServer) { s.address = address }
}

// WithKeepaliveInterval overrides the idle keepalive interval.
func WithKeepaliveInterval(d time.Duration) SSEOption {
	return func(s *SSEServer) { s.keepalive = d }
}

// WithAuthGate installs an authentication gate in front of both endpoints.
func WithAuthGate(gate *AuthGate) SSEOption {
	return func(s *SSEServer) { s.authGate = gate }
}

// NewSSEServer creates an SSEServer on top of the given BaseServer.
func NewSSEServer(baseServer *BaseServer, opts ...SSEOption) *SSEServer {
	s := &SSEServer{
		BaseServer: baseServer,
		address:    defaultAddress,
		keepalive:  defaultKeepalive,
		channels:   make(map[string]*channelBinding),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sendNoti = s.pushNotification
	return s
}

// openChannel binds a push channel to the session. An existing binding for
// the same id is superseded, never left to coexist: duplicate delivery is
// worse than a dropped reconnect.
func (s *SSEServer) openChannel(sessionID string) *channelBinding {
	b := &channelBinding{
		queue: make(chan []byte, channelBufferSize),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.channels[sessionID]; ok {
		close(old.done)
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
		}).Warn("Superseding existing push channel for session")
	}
	s.channels[sessionID] = b
	if _, ok := s.limiters[sessionID]; !ok {
		s.limiters[sessionID] = rate.NewLimiter(rate.Limit(ingressRatePerSecond), ingressBurst)
	}
	return b
}

// closeChannel tears down the binding if it is still the current one. Any
// messages left in the queue are dropped; they are not delivered to a later
// channel for the same session.
func (s *SSEServer) closeChannel(sessionID string, b *channelBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.channels[sessionID]; ok && current == b {
		delete(s.channels, sessionID)
	}
}

// push enqueues a message on the session's channel. It reports false when
// no channel is open; a full queue drops the message rather than blocking.
func (s *SSEServer) push(sessionID string, message []byte) bool {
	s.mu.RLock()
	b, ok := s.channels[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case b.queue <- message:
		return true
	case <-b.done:
		return false
	default:
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
		}).Warn("Push queue full, dropping message")
		return true
	}
}

// pushNotification implements the BaseServer notification hook. An empty
// session id broadcasts to every open channel.
func (s *SSEServer) pushNotification(sessionID string, method string, params interface{}) {
	notification, err := newNotification(method, params)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshaling notification parameters")
		return
	}
	payload, err := Serialize(notification)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshaling notification message")
		return
	}

	if sessionID != "" {
		s.push(sessionID, payload)
		return
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.push(id, payload)
	}
}

func (s *SSEServer) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(ingressRatePerSecond), ingressBurst)
		s.limiters[sessionID] = lim
	}
	return lim
}

// handleSSEConnection establishes the push channel for a session. The first
// event names the ingress endpoint, parameterized with the session id so
// posted requests route back to this channel.
func (s *SSEServer) handleSSEConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "SSEServer.handleSSEConnection")
	defer span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Reuse a client-supplied session id so a reconnect lands on the same
	// session state; otherwise mint a fresh one.
	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.sessionStore.Get(sessionID)

	b := s.openChannel(sessionID)
	defer func() {
		s.closeChannel(sessionID, b)
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
		}).Debug("Push channel closed")
	}()

	endpointURL := fmt.Sprintf("http://%s/message?sessionID=%s", r.Host, sessionID)
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpointURL); err != nil {
		span.RecordError(err)
		return
	}
	flusher.Flush()

	keepalive := time.NewTimer(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			// A newer channel took over this session.
			return
		case msg := <-b.queue:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", string(msg)); err != nil {
				span.RecordError(err)
				return
			}
			flusher.Flush()
			resetTimer(keepalive, s.keepalive)
		case <-keepalive.C:
			// Comment-only frame so intermediaries don't drop the idle stream.
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				span.RecordError(err)
				return
			}
			flusher.Flush()
			keepalive.Reset(s.keepalive)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleClientMessage is the ingress endpoint. When a push channel is open
// for the session the dispatch result travels asynchronously and the caller
// gets an immediate 202; without a channel the full response is returned
// synchronously as a fallback.
func (s *SSEServer) handleClientMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "SSEServer.handleClientMessage")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		s.logger.Error("Missing sessionID on ingress request")
		http.Error(w, "Missing sessionID", http.StatusBadRequest)
		return
	}

	if !s.limiter(sessionID).Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		span.RecordError(err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg, perr := Deserialize(body)
	if perr != nil {
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
			"code":      perr.Code,
		}).Warn("Rejected malformed envelope")
		s.deliver(w, sessionID, errorResponse(nil, perr.Code, perr.Message, perr.Data))
		return
	}

	resp := s.Handle(ctx, sessionID, msg)
	if resp == nil {
		// Notification: nothing to deliver.
		s.acknowledge(w)
		return
	}
	s.deliver(w, sessionID, resp)
}

// deliver routes a response envelope: push channel if one is open, else the
// synchronous fallback straight back to the ingress caller.
func (s *SSEServer) deliver(w http.ResponseWriter, sessionID string, resp *Message) {
	payload, err := Serialize(resp)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshaling response")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if s.push(sessionID, payload) {
		s.acknowledge(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		s.logger.WithErr(err).Error("Error writing synchronous response")
	}
}

func (s *SSEServer) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// Handler returns the HTTP handler tree: CORS, then auth, then routing.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleSSEConnection)
	mux.HandleFunc("/message", s.handleClientMessage)

	var handler http.Handler = mux
	if s.authGate.Enabled() {
		handler = s.authGate.Middleware(handler)
	}
	return corsMiddleware(handler)
}

func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Run starts the SSEServer and blocks until the context is cancelled or the
// listener fails. Shutdown drains open connections for up to five seconds.
func (s *SSEServer) Run(ctx context.Context) error {
	server := &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        s.address,
		Handler:     s.Handler(),
	}

	s.LogMessage(LogLevelInfo, "startup", fmt.Sprintf("Starting SSE server on %s", s.address))
	s.logger.WithFields(map[string]interface{}{
		"address": s.address,
	}).Info("Starting SSE server")

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Context cancelled, shutting down SSE server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		s.logger.WithErr(err).Error("SSE server failed")
		return fmt.Errorf("server error: %w", err)
	}
}
