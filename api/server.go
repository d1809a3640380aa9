// Package api is the HTTP surface of the serve command: publishing,
// listing stored deliveries, websocket fan-out, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"embeddedtest/logger"
	"embeddedtest/metrics"
	"embeddedtest/models"
)

// Producer abstracts Kafka publishing.
type Producer interface {
	Publish(ctx context.Context, msg models.Message) error
}

// Repository abstracts delivery persistence & retrieval.
type Repository interface {
	InsertDelivery(ctx context.Context, d models.Delivery) error
	ListDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)
	Ping(ctx context.Context) error
}

// TokenVerifier abstracts OIDC token verification.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) error
}

// PasswordChecker validates basic credentials.
type PasswordChecker interface {
	Check(user, password string) bool
}

// Options wires a Server. Verifier and Passwords are optional; with neither
// set the API is open.
type Options struct {
	Producer  Producer
	Repo      Repository
	Verifier  TokenVerifier
	Passwords PasswordChecker
	Validator *MessageValidator
	// Deliveries feeds the websocket fan-out and the store.
	Deliveries <-chan models.Delivery
	// DeadLetter, when set, receives deliveries the store rejected.
	DeadLetter func(ctx context.Context, d models.Delivery, reason string) error
	// BrokerCheck reports whether the Kafka broker answers.
	BrokerCheck func(ctx context.Context) error
	Topic       string
	MaxLen      int
}

type Server struct {
	mux  *http.ServeMux
	hub  *Hub
	opts Options
	done chan struct{}
}

func NewServer(opts Options) *Server {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	s := &Server{mux: http.NewServeMux(), hub: NewHub(), opts: opts, done: make(chan struct{})}
	s.routes()
	if opts.Deliveries != nil {
		go s.broadcastLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/messages", s.withAuth(s.handleMessages))
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) Hub() *Hub { return s.hub }

// Done is closed once the delivery channel is drained.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) authEnabled() bool { return s.opts.Verifier != nil || s.opts.Passwords != nil }

// withAuth accepts a bearer token checked by the verifier or basic
// credentials checked by the password checker, whichever is configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		switch {
		case s.opts.Verifier != nil && strings.HasPrefix(auth, "Bearer "):
			if err := s.opts.Verifier.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer ")); err != nil {
				logger.Warn("token verification failed", logger.FieldKV("error", err.Error()))
				metrics.RecordAuthFailure("bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		case s.opts.Passwords != nil && strings.HasPrefix(auth, "Basic "):
			user, pass, ok := r.BasicAuth()
			if !ok || !s.opts.Passwords.Check(user, pass) {
				metrics.RecordAuthFailure("basic")
				w.Header().Set("WWW-Authenticate", `Basic realm="embeddedtest"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		default:
			metrics.RecordAuthFailure("missing")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Verifier != nil {
		token := r.URL.Query().Get("token")
		if token == "" || s.opts.Verifier.Verify(r.Context(), token) != nil {
			metrics.RecordAuthFailure("ws")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", err)
		return
	}
	s.hub.Add(conn)
	go s.readLoop(conn)
}

// readLoop publishes messages sent by a websocket client until it
// disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.hub.Remove(conn)
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Debug("ws read ended", logger.FieldKV("error", err.Error()))
			return
		}
		if msg.MessageID == "" {
			msg.MessageID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		if err := s.check(msg); err != nil {
			logger.Warn("websocket message rejected", logger.FieldKV("message_id", msg.MessageID), logger.FieldKV("error", err.Error()))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.opts.Producer.Publish(ctx, msg)
		cancel()
		if err != nil {
			logger.Error("publish fail", err, logger.FieldKV("message_id", msg.MessageID))
			// Fallback: broadcast and persist so connected clients aren't blocked by Kafka
			s.fallback(context.Background(), msg, conn)
		}
		metrics.IncMsgIngested()
	}
}

type tooLongError struct{ got, max int }

func (e tooLongError) Error() string {
	return "message too long: " + strconv.Itoa(e.got) + " > " + strconv.Itoa(e.max)
}

func (s *Server) check(msg models.Message) error {
	if len(msg.Content) > s.opts.MaxLen {
		return tooLongError{got: len(msg.Content), max: s.opts.MaxLen}
	}
	if s.opts.Validator != nil {
		return s.opts.Validator.Validate(msg)
	}
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var msg models.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if msg.MessageID == "" {
			msg.MessageID = uuid.NewString()
		}
		msg.Timestamp = time.Now().UTC()
		if err := s.check(msg); err != nil {
			logger.Warn("message rejected", logger.FieldKV("message_id", msg.MessageID), logger.FieldKV("error", err.Error()))
			if _, ok := err.(tooLongError); ok {
				http.Error(w, "message too long", http.StatusBadRequest)
				return
			}
			http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
			return
		}
		status := "enqueued"
		if err := s.opts.Producer.Publish(r.Context(), msg); err != nil {
			logger.Error("kafka write from http failed", err, logger.FieldKV("message_id", msg.MessageID))
			s.fallback(r.Context(), msg, nil)
			status = "broadcasted-fallback"
		}
		metrics.IncMsgIngested()
		writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.MessageID, "status": status})
	case http.MethodGet:
		if s.opts.Repo == nil {
			http.Error(w, "no delivery store", http.StatusServiceUnavailable)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := s.opts.Repo.ListDeliveries(r.Context(), limit)
		if err != nil {
			logger.Error("fetch deliveries failed", err)
			http.Error(w, "fetch failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// fallback hands a message that could not be enqueued straight to the
// websocket clients and the store, as an unsequenced delivery.
func (s *Server) fallback(ctx context.Context, msg models.Message, except *websocket.Conn) {
	topic := msg.Topic
	if topic == "" {
		topic = s.opts.Topic
	}
	body, _ := json.Marshal(msg)
	d := models.Delivery{
		MessageID:  msg.MessageID,
		Topic:      topic,
		Offset:     -1,
		Key:        msg.MessageID,
		Value:      string(body),
		Timestamp:  msg.Timestamp,
		ReceivedAt: time.Now().UTC(),
	}
	s.hub.BroadcastExcept(d, except)
	if s.opts.Repo != nil {
		err := s.opts.Repo.InsertDelivery(ctx, d)
		metrics.RecordStoreInsert(err)
		if err != nil {
			logger.Error("fallback persist fail", err, logger.FieldKV("message_id", msg.MessageID))
		}
	}
}

func (s *Server) broadcastLoop() {
	defer close(s.done)
	for d := range s.opts.Deliveries {
		s.hub.Broadcast(d)
		metrics.IncMsgBroadcast()
		if s.opts.Repo == nil {
			continue
		}
		err := s.opts.Repo.InsertDelivery(context.Background(), d)
		metrics.RecordStoreInsert(err)
		if err != nil {
			logger.Error("persist delivery failed", err, logger.FieldKV("message_id", d.MessageID))
			s.deadLetter(d, "store_persist_failure")
		}
	}
}

func (s *Server) deadLetter(d models.Delivery, reason string) {
	if s.opts.DeadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.DeadLetter(ctx, d, reason); err != nil {
		logger.Error("dead letter failed", err, logger.FieldKV("message_id", d.MessageID))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready checks the store and the broker.
func (s *Server) Ready(ctx context.Context) error {
	if s.opts.Repo != nil {
		if err := s.opts.Repo.Ping(ctx); err != nil {
			return &notReadyError{component: "store", err: err}
		}
	}
	if s.opts.BrokerCheck != nil {
		if err := s.opts.BrokerCheck(ctx); err != nil {
			return &notReadyError{component: "kafka", err: err}
		}
	}
	return nil
}

type notReadyError struct {
	component string
	err       error
}

func (e *notReadyError) Error() string { return e.component + " not ready: " + e.err.Error() }
func (e *notReadyError) Unwrap() error { return e.err }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		logger.Warn("readiness check failed", logger.FieldKV("error", err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
