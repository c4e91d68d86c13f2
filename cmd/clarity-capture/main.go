// Command clarity-capture feeds recorded events through a capture pipeline
// and uploads the resulting payloads to a collector.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/capture"
	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/config"
	"github.com/vincentbai/clarity-agent/internal/logger"
	"github.com/vincentbai/clarity-agent/internal/models"
	"github.com/vincentbai/clarity-agent/internal/upload"
)

const backupQueueSize = 16

func main() {
	var (
		configPath = flag.String("config", "capture.yaml", "capture configuration file")
		in         = flag.String("in", "-", "events, one [time, kind, ...] array per line")
		url        = flag.String("url", "", "collector URL, overrides upload_url")
		env        = flag.String("env", "development", "logging environment")
	)
	flag.Parse()

	log, err := logger.New(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.LoadCapture(*configPath, true)
	if err != nil {
		log.Fatal("Failed to load capture config", zap.Error(err))
	}
	if *url != "" {
		cfg.UploadURL = *url
	}
	if cfg.UploadURL == "" {
		log.Fatal("No collector URL configured")
	}

	source := io.Reader(os.Stdin)
	if *in != "-" {
		file, err := os.Open(*in)
		if err != nil {
			log.Fatal("Failed to open events", zap.Error(err))
		}
		defer file.Close()
		source = file
	}

	var pipeline *capture.Pipeline
	client := upload.NewClient(upload.Options{
		URL:        cfg.UploadURL,
		Headers:    cfg.UploadHeaders,
		TotalLimit: cfg.TotalLimit,
		Logger:     log,
		OnError: func(status int, message string) {
			pipeline.ReportUploadError(status, message)
		},
	})
	pipeline = capture.New(cfg, capture.Options{
		Uploader: client,
		Queue:    upload.NewQueue(client, backupQueueSize),
		Logger:   log,
	})

	pipeline.Activate()
	if pipeline.State() != capture.StateActivated {
		log.Fatal("Capture did not activate", zap.Stringer("state", pipeline.State()))
	}

	added, err := feed(pipeline, source, log)
	if err != nil {
		log.Error("Failed to read events", zap.Error(err))
	}
	pipeline.Teardown()
	client.Wait()

	log.Info("Capture finished",
		zap.Int("events", added),
		zap.Int("uploaded_bytes", client.Sent()))
}

func feed(pipeline *capture.Pipeline, source io.Reader, log *zap.Logger) (int, error) {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	added, line := 0, 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var tokens models.Tokens
		if err := json.Unmarshal(scanner.Bytes(), &tokens); err != nil {
			log.Warn("Skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		event, err := codec.Decode(tokens)
		if err != nil {
			log.Warn("Skipping malformed event", zap.Int("line", line), zap.Error(err))
			continue
		}
		pipeline.AddEvent(capture.Input{Kind: event.Kind, State: event.State, Time: capture.At(event.Time)}, true)
		added++
	}
	return added, scanner.Err()
}
