package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/vincentbai/clarity-agent/internal/capture"
)

// CaptureFile is the YAML form of capture.Config. Unset fields keep their
// defaults.
type CaptureFile struct {
	Delay          string            `yaml:"delay"`
	EventLimit     *int              `yaml:"event_limit"`
	BatchLimit     *int              `yaml:"batch_limit"`
	TotalLimit     *int              `yaml:"total_limit"`
	Instrument     *bool             `yaml:"instrument"`
	BackgroundMode *bool             `yaml:"background_mode"`
	ProjectID      string            `yaml:"project_id"`
	UserID         string            `yaml:"user_id"`
	SessionID      string            `yaml:"session_id"`
	PageID         string            `yaml:"page_id"`
	UploadURL      string            `yaml:"upload_url"`
	UploadHeaders  map[string]string `yaml:"upload_headers"`
	Plugins        []string          `yaml:"plugins"`
}

// LoadCapture reads a capture configuration file and merges it over
// capture.DefaultConfig.
func LoadCapture(path string, allowMissing bool) (capture.Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return capture.Config{}, fmt.Errorf("capture config path is required")
	}

	// #nosec G304 -- config path is explicit local input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return capture.DefaultConfig(), nil
		}
		return capture.Config{}, fmt.Errorf("read capture config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return capture.DefaultConfig(), nil
	}

	var file CaptureFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return capture.Config{}, fmt.Errorf("parse capture config: %w", err)
	}
	return file.apply(capture.DefaultConfig())
}

func (f CaptureFile) apply(cfg capture.Config) (capture.Config, error) {
	if delay := strings.TrimSpace(f.Delay); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return capture.Config{}, fmt.Errorf("parse capture config: delay: %w", err)
		}
		if d < 0 {
			return capture.Config{}, fmt.Errorf("parse capture config: delay must not be negative")
		}
		cfg.Delay = d
	}
	for name, limit := range map[string]*int{"event_limit": f.EventLimit, "batch_limit": f.BatchLimit, "total_limit": f.TotalLimit} {
		if limit != nil && *limit < 0 {
			return capture.Config{}, fmt.Errorf("parse capture config: %s must not be negative", name)
		}
	}
	if f.EventLimit != nil {
		cfg.EventLimit = *f.EventLimit
	}
	if f.BatchLimit != nil {
		cfg.BatchLimit = *f.BatchLimit
	}
	if f.TotalLimit != nil {
		cfg.TotalLimit = *f.TotalLimit
	}
	if f.Instrument != nil {
		cfg.Instrument = *f.Instrument
	}
	if f.BackgroundMode != nil {
		cfg.BackgroundMode = *f.BackgroundMode
	}
	if v := strings.TrimSpace(f.ProjectID); v != "" {
		cfg.ProjectID = v
	}
	if v := strings.TrimSpace(f.UserID); v != "" {
		cfg.UserID = v
	}
	if v := strings.TrimSpace(f.SessionID); v != "" {
		cfg.SessionID = v
	}
	if v := strings.TrimSpace(f.PageID); v != "" {
		cfg.PageID = v
	}
	if v := strings.TrimSpace(f.UploadURL); v != "" {
		cfg.UploadURL = v
	}
	for key, value := range f.UploadHeaders {
		if cfg.UploadHeaders == nil {
			cfg.UploadHeaders = map[string]string{}
		}
		cfg.UploadHeaders[key] = value
	}
	if len(f.Plugins) > 0 {
		cfg.Plugins = append([]string(nil), f.Plugins...)
	}
	return cfg, nil
}
