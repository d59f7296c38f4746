package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/reliability"
)

const (
	defaultBaseURL    = "https://api.cartesia.ai"
	defaultModel      = "sonic-2"
	defaultContainer  = "wav"
	defaultEncoding   = "pcm_s16le"
	defaultSampleRate = 24000
	defaultTimeout    = 30 * time.Second
	defaultChunkSize  = 4096

	apiVersion = "2024-06-10"

	// MaxTranscriptLen bounds a single synthesis request, counted in
	// runes. Longer inputs are rejected, never silently truncated.
	MaxTranscriptLen = 5000
)

// ErrMissingAPIKey is returned at construction when no credential is
// configured.
var ErrMissingAPIKey = errors.New("tts: missing API key")

// InvalidInputError rejects caller-supplied text or options before any
// network activity.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "tts: invalid input: " + e.Reason }

// UpstreamError carries the status code and raw diagnostic body of a
// non-success engine response.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("tts: upstream status %d: %s", e.Status, e.Body)
}

// Options selects the output format of one synthesis request.
type Options struct {
	Container  string
	Encoding   string
	SampleRate int
	Language   string
}

// Request is one synthesis job.
type Request struct {
	Transcript string
	VoiceID    string
	Options    Options
}

// Result is a complete synthesized audio buffer and its MIME type.
type Result struct {
	Bytes       []byte
	ContentType string
}

// Config holds the engine connection settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	DefaultVoiceID string
	Timeout        time.Duration
}

// Client is a stateless request/response client to the synthesis engine.
// It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the credential and applies defaults.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type wireVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type wireOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type wireRequest struct {
	Model        string           `json:"model"`
	Transcript   string           `json:"transcript"`
	Voice        wireVoice        `json:"voice"`
	OutputFormat wireOutputFormat `json:"output_format"`
	Language     string           `json:"language,omitempty"`
}

// Synthesize submits one request/response synthesis call and returns the
// complete audio buffer with its MIME type.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read response: %w", err)
	}
	return &Result{Bytes: body, ContentType: contentTypeOf(resp, req.Options)}, nil
}

// SynthesizeStream submits the same request but invokes onChunk as audio
// becomes available, so a caller can start playback before the full buffer
// exists. Depending on the transport this may be a single invocation with
// the whole buffer; callers must not assume a minimum chunk count.
func (c *Client) SynthesizeStream(ctx context.Context, req Request, onChunk func(chunk []byte) error) error {
	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, defaultChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr := onChunk(chunk); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tts: read stream: %w", err)
		}
	}
}

func (c *Client) post(ctx context.Context, req Request) (*http.Response, error) {
	if err := c.validate(&req); err != nil {
		return nil, err
	}

	payload := wireRequest{
		Model:      c.cfg.Model,
		Transcript: req.Transcript,
		Voice:      wireVoice{Mode: "id", ID: req.VoiceID},
		OutputFormat: wireOutputFormat{
			Container:  req.Options.Container,
			Encoding:   req.Options.Encoding,
			SampleRate: req.Options.SampleRate,
		},
		Language: req.Options.Language,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	c.logger.Debug("tts request",
		zap.String("voice_id", req.VoiceID),
		zap.Int("transcript_len", len(req.Transcript)),
		zap.String("container", req.Options.Container))

	// One retry on a retryable status; the engine occasionally sheds load
	// with a 503 that clears immediately.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tts/bytes", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("tts: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Cartesia-Version", apiVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("tts: request failed: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(diag))}
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) || attempt > 0 {
			break
		}
		c.logger.Warn("tts upstream error, retrying once",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(diag)))
	}
	return nil, lastErr
}

func (c *Client) validate(req *Request) error {
	if strings.TrimSpace(req.Transcript) == "" {
		return &InvalidInputError{Reason: "empty transcript"}
	}
	if n := utf8.RuneCountInString(req.Transcript); n > MaxTranscriptLen {
		return &InvalidInputError{Reason: fmt.Sprintf("transcript length %d exceeds %d", n, MaxTranscriptLen)}
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = c.cfg.DefaultVoiceID
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		return &InvalidInputError{Reason: "missing voice id"}
	}
	if req.Options.Container == "" {
		req.Options.Container = defaultContainer
	}
	if req.Options.Encoding == "" {
		req.Options.Encoding = defaultEncoding
	}
	if req.Options.SampleRate <= 0 {
		req.Options.SampleRate = defaultSampleRate
	}
	return nil
}

func contentTypeOf(resp *http.Response, opts Options) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		return ct
	}
	switch opts.Container {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "raw":
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}
