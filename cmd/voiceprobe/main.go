// voiceprobe drives synthetic conversation turns through a running relay and
// reports per-stage latency percentiles. It speaks the same upstream protocol
// a browser client would, so it exercises the full relay path end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/observability"
	"github.com/lightwell/jamie-voice/internal/playback"
	"github.com/lightwell/jamie-voice/internal/realtime"
)

type options struct {
	baseURL     string
	model       string
	voice       string
	turns       int
	turnTimeout time.Duration
	outPath     string
	texts       []string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.StringVar(&cfg.model, "model", "gpt-4o-realtime-preview", "model requested at session creation")
	flag.StringVar(&cfg.voice, "voice", "alloy", "voice requested at session creation")
	flag.IntVar(&cfg.turns, "turns", 4, "number of turns to drive")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for response completion per turn")
	flag.StringVar(&cfg.outPath, "out", "", "optional path for a WAV file of received audio")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	client, err := realtime.New(realtime.Config{
		URL:   wsURL,
		Model: cfg.model,
		Voice: cfg.voice,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if cfg.verbose {
		sess := client.Session()
		fmt.Printf("voiceprobe: session=%s model=%s turns=%d\n", sess.ID, sess.Model, cfg.turns)
	}

	var sink playback.Sink
	var wavSink *playback.WAVFileSink
	if cfg.outPath != "" {
		wavSink = playback.NewWAVFileSink(cfg.outPath)
		sink = wavSink
	} else {
		sink = &playback.MemorySink{}
	}
	driver := playback.New(sink, playback.Config{Logger: zap.NewNop()})
	window := observability.NewLatencyWindow(256)

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("voiceprobe: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		if err := runTurn(ctx, client, driver, window, text, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
	}

	if err := driver.Close(); err != nil {
		return fmt.Errorf("drain playback: %w", err)
	}
	if wavSink != nil {
		if err := wavSink.Flush(); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("voiceprobe: wrote %s\n", cfg.outPath)
		}
	}

	return printReport(driver, window)
}

func runTurn(ctx context.Context, client *realtime.Client, driver *playback.Driver, window *observability.LatencyWindow, text string, timeout time.Duration) error {
	start := time.Now()
	if err := client.SendText(ctx, text); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	firstText := false
	firstAudio := false
	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("session closed mid-turn")
			}
			switch ev.Type {
			case realtime.EventTextDelta:
				if !firstText {
					firstText = true
					window.Observe(observability.StageFirstText, time.Since(start))
				}
				driver.OnTextDelta(ev.Delta)
			case realtime.EventAudioDelta:
				if !firstAudio {
					firstAudio = true
					window.Observe(observability.StageFirstAudio, time.Since(start))
				}
				driver.OnAudioDelta(ev.Delta)
			case realtime.EventResponseCompleted:
				window.Observe(observability.StageTurnTotal, time.Since(start))
				return nil
			case realtime.EventRetrying:
				window.ObserveIndicator("upstream_retry")
			case realtime.EventClosed:
				if ev.Err != nil {
					return ev.Err
				}
				return fmt.Errorf("session closed mid-turn")
			}
		}
	}
}

func printReport(driver *playback.Driver, window *observability.LatencyWindow) error {
	fmt.Printf("voiceprobe: transcript=%q skipped_chunks=%d\n", driver.Transcript(), driver.Skipped())
	snap := window.Snapshot()
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/ws"
	return u.String(), nil
}
