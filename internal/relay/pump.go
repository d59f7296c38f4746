// Package relay bridges a browser websocket connection to a fresh upstream
// realtime connection, forwarding frames verbatim in both directions. The
// relay never interprets payloads; its job is credential injection and a
// bounded close cascade.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/observability"
	"github.com/lightwell/jamie-voice/internal/realtime"
	"github.com/lightwell/jamie-voice/internal/reliability"
)

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

var ErrMissingUpstreamURL = errors.New("relay: upstream URL is required")

// Config carries what the relay needs to open one upstream connection per
// client. The API key lives server-side only; it is injected into the dial
// headers and never crosses the client socket.
type Config struct {
	UpstreamURL string
	APIKey      string

	// DialTimeout bounds each upstream dial attempt. Zero means 10s.
	DialTimeout time.Duration

	// DialAttempts is the total number of upstream dial attempts per pair.
	// Zero means 3.
	DialAttempts int

	// Dialer is replaceable for tests. Nil means the gorilla dialer.
	Dialer realtime.Dialer
}

type Relay struct {
	cfg     Config
	log     *zap.Logger
	metrics *observability.Metrics
}

func New(cfg Config, log *zap.Logger, metrics *observability.Metrics) (*Relay, error) {
	if cfg.UpstreamURL == "" {
		return nil, ErrMissingUpstreamURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	if cfg.Dialer == nil {
		cfg.Dialer = realtime.DefaultDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{cfg: cfg, log: log, metrics: metrics}, nil
}

// ServeConn owns the client connection for the lifetime of the pair. It dials
// the upstream, runs one pump per direction, and closes both sides when
// either one goes away. It returns once both pumps have stopped.
func (r *Relay) ServeConn(ctx context.Context, client realtime.Conn) error {
	pairID := uuid.NewString()
	log := r.log.With(zap.String("pair_id", pairID))

	upstream, err := r.dialUpstream(ctx, log)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RelayPairEvents.WithLabelValues("dial_failed").Inc()
		}
		_ = client.Close()
		return err
	}

	if r.metrics != nil {
		r.metrics.ActiveRelayPairs.Inc()
		r.metrics.RelayPairEvents.WithLabelValues("opened").Inc()
		defer func() {
			r.metrics.ActiveRelayPairs.Dec()
			r.metrics.RelayPairEvents.WithLabelValues("closed").Inc()
		}()
	}
	log.Info("relay pair opened")

	// Whichever side fails first tears down the other; Close unblocks the
	// peer pump's blocked ReadMessage.
	var closeBoth sync.Once
	shutdown := func() {
		closeBoth.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer shutdown()

	ctx, cancelPair := context.WithCancel(ctx)
	defer cancelPair()
	go func() {
		<-ctx.Done()
		shutdown()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer shutdown()
		r.pump(client, upstream, DirectionClientToUpstream, log)
	}()
	go func() {
		defer wg.Done()
		defer shutdown()
		r.pump(upstream, client, DirectionUpstreamToClient, log)
	}()
	wg.Wait()

	log.Info("relay pair closed")
	return nil
}

// dialUpstream opens the upstream side of a pair, backing off briefly
// between attempts so a restarting upstream does not shed every new client.
func (r *Relay) dialUpstream(ctx context.Context, log *zap.Logger) (realtime.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
		upstream, err := r.cfg.Dialer(dialCtx, r.cfg.UpstreamURL, r.authHeader())
		cancel()
		if err == nil {
			return upstream, nil
		}
		lastErr = err
		log.Warn("upstream dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// pump copies frames from src to dst until either side errors. Frames are
// forwarded with their original websocket message type so binary audio and
// text JSON both survive untouched.
func (r *Relay) pump(src, dst realtime.Conn, direction string, log *zap.Logger) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			log.Debug("relay read ended", zap.String("direction", direction), zap.Error(err))
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			log.Debug("relay write failed", zap.String("direction", direction), zap.Error(err))
			return
		}
		if r.metrics != nil {
			r.metrics.RelayFrames.WithLabelValues(direction).Inc()
		}
	}
}

func (r *Relay) authHeader() http.Header {
	h := http.Header{}
	if r.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	return h
}
