// Command clarity-decode decodes stored or captured payloads and optionally
// replays them onto a recording surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/database"
	"github.com/vincentbai/clarity-agent/internal/decode"
	"github.com/vincentbai/clarity-agent/internal/logger"
	"github.com/vincentbai/clarity-agent/internal/replay"
)

type report struct {
	PageID    string          `json:"pageId"`
	Sequence  int             `json:"sequence"`
	Playback  int             `json:"playback"`
	Analytics int             `json:"analytics"`
	Snapshot  replay.Snapshot `json:"snapshot"`
}

func main() {
	var (
		in       = flag.String("in", "", "payload file (JSON, optionally gzip compressed)")
		dbPath   = flag.String("db", "", "collector database")
		pageID   = flag.String("page", "", "page id to load from -db")
		doReplay = flag.Bool("replay", false, "replay the payloads onto a recording surface")
		realtime = flag.Bool("realtime", false, "pace the replay by the recorded gaps")
		gap      = flag.Float64("gap", replay.DefaultGapThreshold, "gap in milliseconds that suspends the replay")
		env      = flag.String("env", "development", "logging environment")
	)
	flag.Parse()

	log, err := logger.New(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	payloads, err := load(ctx, *in, *dbPath, *pageID)
	if err != nil {
		log.Fatal("Failed to load payloads", zap.Error(err))
	}

	reports := make([]report, 0, len(payloads))
	for _, payload := range payloads {
		snapshot, err := replay.Take(payload)
		if err != nil {
			log.Fatal("Failed to render payload", zap.Error(err))
		}
		reports = append(reports, report{
			PageID:    payload.Envelope.PageID,
			Sequence:  payload.Envelope.Sequence,
			Playback:  len(payload.Playback),
			Analytics: len(payload.Analytics),
			Snapshot:  snapshot,
		})
	}
	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode report", zap.Error(err))
	}
	fmt.Println(string(out))

	if !*doReplay {
		return
	}
	scheduler := replay.NewScheduler()
	scheduler.GapThreshold = *gap
	scheduler.Realtime = *realtime
	renderer := replay.NewRenderer(replay.NewRecorder(log), scheduler, log)
	for _, payload := range payloads {
		if err := renderer.Replay(ctx, payload); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Replay canceled")
				return
			}
			log.Fatal("Replay failed", zap.Error(err))
		}
	}
}

func load(ctx context.Context, in, dbPath, pageID string) ([]decode.DecodedPayload, error) {
	switch {
	case in != "":
		data, err := os.ReadFile(in)
		if err != nil {
			return nil, err
		}
		if compress.IsGzip(data) {
			if data, err = compress.Decompress(data, 0); err != nil {
				return nil, err
			}
		}
		payload, err := decode.Decode(data, &decode.Augmentation{Timestamp: time.Now().UTC()})
		if err != nil {
			return nil, err
		}
		return []decode.DecodedPayload{payload}, nil

	case dbPath != "" && pageID != "":
		db, err := database.NewDatabase(dbPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		stored, err := db.Payloads(ctx, pageID)
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 {
			return nil, fmt.Errorf("no payloads stored for page %q", pageID)
		}
		decoder := decode.New()
		out := make([]decode.DecodedPayload, 0, len(stored))
		for _, s := range stored {
			payload, err := decoder.DecodePayload(s.Payload, &decode.Augmentation{Timestamp: s.ReceivedAt, UserAgent: s.UserAgent})
			if err != nil {
				return nil, fmt.Errorf("payload %d: %w", s.ID, err)
			}
			out = append(out, payload)
		}
		return out, nil
	}
	return nil, errors.New("either -in or -db with -page is required")
}
