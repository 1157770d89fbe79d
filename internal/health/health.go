// Package health implements the gateway's liveness and operator-debug HTTP
// surface: a JSON /health summary, a Prometheus /metrics exposition, and a
// /debug/sessions operator view. None of this is on the device-facing
// protocol path.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BrokerStatus reports whether the broker session is connected.
type BrokerStatus interface {
	IsConnected() bool
}

// DispatcherStatus reports the command dispatcher's lifetime counters.
type DispatcherStatus interface {
	Counters() Counters
}

// Counters mirrors dispatcher.Counters without importing that package,
// keeping health a leaf dependency.
type Counters struct {
	SentTotal   int64
	FailedTotal int64
}

// SessionSnapshot mirrors sessionengine.SessionSnapshot for the same reason.
type SessionSnapshot struct {
	DeviceMAC        string    `json:"device_mac"`
	State            string    `json:"state"`
	CurrentImageName string    `json:"current_image_name,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// SessionSource supplies the active-session list for /debug/sessions.
type SessionSource interface {
	ActiveSessions() ([]SessionSnapshot, error)
}

// PendingCounter reports how many commands currently sit in the queue.
type PendingCounter interface {
	CountPending() int
}

// Sweeper exposes the periodic maintenance sweep for the manual /debug/sweep
// trigger gatewayctl gc calls.
type Sweeper interface {
	Sweep() SweepResult
}

// SweepResult mirrors sessionengine.SweepResult for the HTTP boundary.
type SweepResult struct {
	IdleSessionsReaped        int `json:"idle_sessions_reaped"`
	SuppressionEntriesEvicted int `json:"suppression_entries_evicted"`
	ChunkRowsSwept            int `json:"chunk_rows_swept"`
}

// response is the body returned from GET /health.
type response struct {
	BrokerConnected     bool  `json:"broker_connected"`
	DispatcherRunning   bool  `json:"dispatcher_running"`
	UptimeSeconds       int64 `json:"uptime_seconds"`
	ActiveSessions      int   `json:"active_sessions"`
	CommandsPending     int   `json:"commands_pending"`
	CommandsSentTotal   int64 `json:"commands_sent_total"`
	CommandsFailedTotal int64 `json:"commands_failed_total"`
}

// Server is the gateway's liveness/debug HTTP endpoint.
type Server struct {
	broker     BrokerStatus
	dispatcher DispatcherStatus
	pending    PendingCounter
	sessions   SessionSource
	sweeper    Sweeper
	startedAt  time.Time
	log        logrus.FieldLogger

	registry             *prometheus.Registry
	activeSessionsGauge  prometheus.Gauge
	commandsPendingGauge prometheus.Gauge
}

// New builds a health server over its collaborators. It registers its
// gauges on a private registry rather than the global default, so that
// constructing more than one Server in a process (tests, in particular)
// never panics on a duplicate metric registration.
func New(broker BrokerStatus, dispatcher DispatcherStatus, pending PendingCounter, sessions SessionSource, sweeper Sweeper, log logrus.FieldLogger) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		broker:     broker,
		dispatcher: dispatcher,
		pending:    pending,
		sessions:   sessions,
		sweeper:    sweeper,
		startedAt:  time.Now().UTC(),
		log:        log,
		registry:   registry,
		activeSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicegateway_active_sessions",
			Help: "Number of in-flight device conversations.",
		}),
		commandsPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicegateway_commands_pending",
			Help: "Number of commands queued for delivery.",
		}),
	}
	registry.MustRegister(s.activeSessionsGauge, s.commandsPendingGauge)
	return s
}

// Handler returns the mux to serve; callers wire it into an *http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/sessions", s.handleDebugSessions)
	mux.HandleFunc("/debug/sweep", s.handleDebugSweep)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ActiveSessions()
	if err != nil {
		s.log.WithError(err).Warn("health: failed to list active sessions")
	}
	counters := s.dispatcher.Counters()
	pending := s.pending.CountPending()

	s.activeSessionsGauge.Set(float64(len(sessions)))
	s.commandsPendingGauge.Set(float64(pending))

	resp := response{
		BrokerConnected:     s.broker.IsConnected(),
		DispatcherRunning:   true,
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions:      len(sessions),
		CommandsPending:     pending,
		CommandsSentTotal:   counters.SentTotal,
		CommandsFailedTotal: counters.FailedTotal,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ActiveSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []SessionSnapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleDebugSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "sweep requires POST", http.StatusMethodNotAllowed)
		return
	}
	result := s.sweeper.Sweep()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
