package main

import (
	"fmt"
	"net/http"
	"time"

	"layoutfixd/internal/config"
	"layoutfixd/internal/detector"
	"layoutfixd/internal/dictionary"
	"layoutfixd/internal/layout"
	"layoutfixd/internal/logging"
	"layoutfixd/internal/security"
	"layoutfixd/internal/store"
	"layoutfixd/internal/telegram"
)

// chatLimiterIdle is how long a per-chat send limiter is kept unused.
const chatLimiterIdle = 10 * time.Minute

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     logging.ParseFormat(cfg.Logging.Format),
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "layoutfixd",
	})
}

func newLayout(cfg *config.Config) (*layout.Map, error) {
	m, err := layout.New(cfg.Layout.SourceAlphabet, cfg.Layout.TargetAlphabet)
	if err != nil {
		return nil, fmt.Errorf("build layout: %w", err)
	}
	return m, nil
}

// newDetector loads the vocabulary and builds the detector together with
// the layout it remaps through.
func newDetector(cfg *config.Config) (*detector.Detector, *layout.Map, *dictionary.Vocabulary, error) {
	remap, err := newLayout(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	vocab, err := dictionary.LoadFile(cfg.Dictionary.WordsFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load dictionary: %w", err)
	}
	det := detector.New(detector.Config{
		NativeAlphabet: cfg.Layout.NativeAlphabet,
		Punctuation:    cfg.Layout.Punctuation,
	}, remap, vocab)
	return det, remap, vocab, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.OpenWithTimeout(cfg.Storage.Path, cfg.BusyTimeout())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func newTelegramClient(cfg *config.Config, token string) (*telegram.Client, error) {
	return telegram.New(token,
		telegram.WithBaseURL(cfg.Telegram.APIBaseURL),
		telegram.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
		telegram.WithLongPoll(cfg.LongPoll()),
		telegram.WithSendLimits(
			security.NewRateLimiter(cfg.Telegram.SendRate, cfg.Telegram.SendBurst),
			security.NewKeyedRateLimiter(cfg.Telegram.ChatRate, cfg.Telegram.ChatBurst, chatLimiterIdle),
		),
	)
}
