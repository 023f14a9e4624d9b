// Package relay serves per-user versioned key/value state over HTTP.
//
// Values live in a sqlite table. Every value carries an opaque version which
// clients send back in If-Match to write conditionally; a stale version gets
// 412 Precondition Failed. Writes are announced to websocket watchers of the
// same user.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arseneyr/speakerbox/pkg/backend"
)

// MaxValueBytes bounds the size of a stored value.
const MaxValueBytes = 32 << 20

var errPrecondition = errors.New("precondition failed")

type Options struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

type Server struct {
	db     *sql.DB
	logger *slog.Logger

	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	preconditions prometheus.Counter
	watchers      prometheus.Gauge

	mu   sync.Mutex
	subs map[string]map[chan backend.Notice]struct{}
}

// OpenDB opens the sqlite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection keeps in-memory
	// databases shared.
	db.SetMaxOpenConns(1)
	return db, nil
}

func New(db *sql.DB, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		db:       db,
		logger:   opts.Logger,
		registry: opts.Registry,
		subs:     map[string]map[chan backend.Notice]struct{}{},
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Requests handled by route and status code.",
		}, []string{"route", "code"}),
		preconditions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_precondition_failures_total",
			Help: "Conditional writes rejected because the version moved on.",
		}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_watchers",
			Help: "Open websocket change feeds.",
		}),
	}
	if err := s.registry.Register(s.requests); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.registry.MustRegister(s.preconditions, s.watchers)
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS states (
		user text not null,
		key text not null,
		content blob not null,
		version text not null,
		primary key (user, key)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	s.logger.Info("Ensured states table exists")
	return nil
}

// Handler returns the routes of the relay.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			route := "unknown"
			if current := mux.CurrentRoute(request); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			s.requests.WithLabelValues(route, fmt.Sprint(m.Code)).Inc()
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/users/{user}/states").HandlerFunc(s.listStates)
	r.Methods(http.MethodGet).Path("/users/{user}/states/{key}").HandlerFunc(s.getState)
	r.Methods(http.MethodPut).Path("/users/{user}/states/{key}").HandlerFunc(s.putState)
	r.Methods(http.MethodDelete).Path("/users/{user}/states/{key}").HandlerFunc(s.deleteState)
	r.Methods(http.MethodGet).Path("/users/{user}/watch").HandlerFunc(s.watch)
	return r
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	if err := s.db.PingContext(request.Context()); err != nil {
		s.logger.Error("database ping failed", "err", err)
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusOK)
}

func quoteTag(tag string) string {
	return `"` + tag + `"`
}

// UnquoteTag strips the quotes of an entity tag header value.
func UnquoteTag(header string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(header), "W/"), `"`)
}

func (s *Server) getState(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	var content []byte
	var version string
	err := s.db.QueryRowContext(request.Context(),
		`SELECT content, version FROM states WHERE user = ? AND key = ?`, vars["user"], vars["key"],
	).Scan(&content, &version)
	if errors.Is(err, sql.ErrNoRows) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		s.logger.Error("failed to query state", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.Header().Set("ETag", quoteTag(version))
	if _, err := writer.Write(content); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// precondition turns the conditional headers of a request into a tag as
// understood by backend.CheckTag.
func precondition(request *http.Request) string {
	if m := request.Header.Get("If-Match"); m != "" {
		if strings.TrimSpace(m) == "*" {
			return backend.AnyTag
		}
		return UnquoteTag(m)
	}
	if strings.TrimSpace(request.Header.Get("If-None-Match")) == "*" {
		return ""
	}
	return backend.AnyTag
}

func (s *Server) putState(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	user, key := vars["user"], vars["key"]
	content, err := io.ReadAll(io.LimitReader(request.Body, MaxValueBytes+1))
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(content) > MaxValueBytes {
		writer.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	version, err := s.write(request.Context(), user, key, content, precondition(request))
	if errors.Is(err, errPrecondition) {
		s.preconditions.Inc()
		writer.WriteHeader(http.StatusPreconditionFailed)
		return
	} else if err != nil {
		s.logger.Error("failed to write state", "user", user, "key", key, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.publish(user, backend.Notice{Key: key, Tag: version})
	writer.Header().Set("ETag", quoteTag(version))
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) write(ctx context.Context, user, key string, content []byte, tag string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	exists := true
	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM states WHERE user = ? AND key = ?`, user, key,
	).Scan(&current); errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", fmt.Errorf("failed to read version: %w", err)
	}
	if err := backend.CheckTag(tag, current, exists); err != nil {
		return "", errPrecondition
	}

	version := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO states (user, key, content, version) VALUES (?, ?, ?, ?)
		ON CONFLICT (user, key) DO UPDATE SET content = excluded.content, version = excluded.version`,
		user, key, content, version,
	); err != nil {
		return "", fmt.Errorf("failed to upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return version, nil
}

func (s *Server) deleteState(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	if _, err := s.db.ExecContext(request.Context(),
		`DELETE FROM states WHERE user = ? AND key = ?`, vars["user"], vars["key"],
	); err != nil {
		s.logger.Error("failed to delete state", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.publish(vars["user"], backend.Notice{Key: vars["key"], Deleted: true})
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStates(writer http.ResponseWriter, request *http.Request) {
	rows, err := s.db.QueryContext(request.Context(),
		`SELECT key FROM states WHERE user = ? ORDER BY key`, mux.Vars(request)["user"])
	if err != nil {
		s.logger.Error("failed to list states", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			s.logger.Error("failed to scan", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("failed to list states", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(keys); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) subscribe(user string) (chan backend.Notice, func()) {
	ch := make(chan backend.Notice, 16)
	s.mu.Lock()
	if s.subs[user] == nil {
		s.subs[user] = map[chan backend.Notice]struct{}{}
	}
	s.subs[user][ch] = struct{}{}
	s.mu.Unlock()
	s.watchers.Inc()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs[user], ch)
		if len(s.subs[user]) == 0 {
			delete(s.subs, user)
		}
		s.mu.Unlock()
		s.watchers.Dec()
	}
}

func (s *Server) publish(user string, n backend.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[user] {
		select {
		case ch <- n:
		default:
			s.logger.Warn("dropping notice for slow watcher", "user", user, "key", n.Key)
		}
	}
}

func (s *Server) watch(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.subscribe(mux.Vars(request)["user"])
	defer cancel()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case n := <-ch:
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Error("failed to write notice", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		case <-request.Context().Done():
			return
		}
	}
}
