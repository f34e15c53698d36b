package cli

import (
	"context"
	"fmt"

	"caltrigger/internal/config"
	"caltrigger/internal/ics"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/notify"
	"caltrigger/internal/store"
	"caltrigger/internal/transition"
	"caltrigger/internal/trigger"
)

// app holds the collaborators shared by run and serve.
type app struct {
	cfg      *config.Config
	source   *ics.FeedSource
	detector transition.Detector
	store    store.Store
	runner   *trigger.Runner
}

// loadConfig reads the config file, applies --log-level and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	appLog.Info("effective config",
		"calendar", ics.RedactURL(cfg.Calendar.URL),
		"store", cfg.Store.Driver,
		"publisher", cfg.Publisher.Kind,
		"schedule", cfg.Schedule,
		"listen", cfg.Listen,
	)
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	floating, err := cfg.FloatingLocation()
	if err != nil {
		appLog.Warn("unknown floating timezone; using UTC", "name", cfg.Calendar.FloatingTimezone)
	}

	detector := transition.Detector{
		Windows: transition.Windows{
			CurrentLookback: cfg.Windows.CurrentLookback,
			PastLookback:    cfg.Windows.PastLookback,
			Lookahead:       cfg.Windows.Lookahead,
		},
		Floating: floating,
	}

	source := &ics.FeedSource{
		Fetcher: ics.NewFetcher(cfg.Calendar.CacheDir, cfg.Calendar.Timeout),
		Source:  ics.Source{ID: "calendar", URL: cfg.Calendar.URL},
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	pub, err := notify.New(cfg.Publisher)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		source:   source,
		detector: detector,
		store:    st,
		runner: &trigger.Runner{
			Source:     source,
			Store:      st,
			Publisher:  pub,
			StartTopic: cfg.Topics.Start,
			StopTopic:  cfg.Topics.Stop,
			Detector:   detector,
		},
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
