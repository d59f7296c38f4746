package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/config"
	"github.com/lightwell/jamie-voice/internal/observability"
	"github.com/lightwell/jamie-voice/internal/realtime"
	"github.com/lightwell/jamie-voice/internal/tts"
)

// Synthesizer is the slice of the TTS client the API depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
	SynthesizeStream(ctx context.Context, req tts.Request, onChunk func([]byte) error) error
}

// RelayHandler owns one upgraded client connection until the pair closes.
type RelayHandler interface {
	ServeConn(ctx context.Context, client realtime.Conn) error
}

type Server struct {
	cfg      config.Config
	tts      Synthesizer
	relay    RelayHandler
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, synth Synthesizer, relay RelayHandler, metrics *observability.Metrics, latency *observability.LatencyWindow, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		tts:     synth,
		relay:   relay,
		metrics: metrics,
		latency: latency,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a relay pair
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tts/synthesize", s.handleSynthesize)
	r.Post("/v1/tts/stream", s.handleSynthesizeStream)
	r.Get("/v1/realtime/ws", s.handleRealtimeWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.tts == nil || s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "engine wiring incomplete")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RelayPairEvents.WithLabelValues("ws_connected").Inc()
	}
	// ServeConn closes both ends; use the request context so server
	// shutdown cascades into open pairs.
	_ = s.relay.ServeConn(r.Context(), conn)
	if s.metrics != nil {
		s.metrics.RelayPairEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
