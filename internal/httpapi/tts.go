package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/observability"
	"github.com/lightwell/jamie-voice/internal/tts"
)

type synthesizeRequest struct {
	Text    string            `json:"text"`
	VoiceID string            `json:"voice_id"`
	Options synthesizeOptions `json:"options"`
}

type synthesizeOptions struct {
	Container  string `json:"container,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
}

func (req synthesizeRequest) toEngine() tts.Request {
	return tts.Request{
		Transcript: req.Text,
		VoiceID:    req.VoiceID,
		Options: tts.Options{
			Container:  req.Options.Container,
			Encoding:   req.Options.Encoding,
			SampleRate: req.Options.SampleRate,
			Language:   req.Options.Language,
		},
	}
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	start := time.Now()
	result, err := s.tts.Synthesize(r.Context(), req.toEngine())
	if err != nil {
		s.respondSynthesisError(w, err)
		return
	}
	s.observeTTS("ok", time.Since(start))

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(result.Bytes)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Bytes)
}

// handleSynthesizeStream flushes audio chunks to the client as the engine
// produces them. Content-Length is unknowable here; chunked encoding applies.
func (s *Server) handleSynthesizeStream(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	flusher, _ := w.(http.Flusher)
	start := time.Now()
	headerSent := false

	err := s.tts.SynthesizeStream(r.Context(), req.toEngine(), func(chunk []byte) error {
		if !headerSent {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			headerSent = true
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if !headerSent {
			s.respondSynthesisError(w, err)
			return
		}
		// Mid-stream failure: the status line is gone; all we can do is
		// stop writing and log.
		s.log.Warn("synthesis stream aborted", zap.Error(err))
		s.observeTTS("stream_aborted", time.Since(start))
		return
	}
	s.observeTTS("ok", time.Since(start))
}

func (s *Server) respondSynthesisError(w http.ResponseWriter, err error) {
	var invalid *tts.InvalidInputError
	var upstream *tts.UpstreamError
	switch {
	case errors.As(err, &invalid):
		s.observeTTS("invalid_input", 0)
		respondError(w, http.StatusBadRequest, "invalid_input", invalid.Reason)
	case errors.As(err, &upstream):
		s.observeTTS("upstream_error", 0)
		respondError(w, http.StatusInternalServerError, "upstream_error",
			fmt.Sprintf("synthesis engine returned status %d: %s", upstream.Status, upstream.Body))
	default:
		s.observeTTS("unreachable", 0)
		respondError(w, http.StatusInternalServerError, "engine_unreachable", err.Error())
	}
}

func (s *Server) observeTTS(outcome string, latency time.Duration) {
	if s.metrics != nil {
		s.metrics.TTSRequests.WithLabelValues(outcome).Inc()
		if latency > 0 {
			s.metrics.ObserveTTSLatency(latency)
		}
	}
	if s.latency != nil && latency > 0 {
		s.latency.Observe(observability.StageTTSRoundTrip, latency)
	}
}
