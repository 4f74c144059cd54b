package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/bugbot/internal/conversation"
	"github.com/joescharf/bugbot/internal/dialogue"
	"github.com/joescharf/bugbot/internal/outbox"
	"github.com/joescharf/bugbot/internal/store"
	"github.com/joescharf/bugbot/internal/tracker"
)

const (
	classifierKeyword   = "keyword"
	classifierAnthropic = "anthropic"
)

// Settings is the validated configuration.
type Settings struct {
	StateDir   string
	OutboxPath string
	Port       int
	AllowList  bool
	DateLayout string

	Store      store.Config
	StoreSweep time.Duration

	ConversationTimeout time.Duration
	ConversationSweep   time.Duration

	OutboxRetention time.Duration
	OutboxPurge     time.Duration

	BotName        string
	Classifier     string
	AnthropicKey   string
	AnthropicModel string
}

// loadSettings reads the configuration from viper and validates it.
func loadSettings() (Settings, error) {
	s := Settings{
		StateDir:   viper.GetString("state_dir"),
		OutboxPath: viper.GetString("outbox_path"),
		Port:       viper.GetInt("port"),
		AllowList:  viper.GetBool("allow_list_all"),
		DateLayout: viper.GetString("date_format"),
		Store: store.Config{
			Max:       viper.GetInt("store.max"),
			MaxAge:    viper.GetDuration("store.max_age"),
			IDLength:  viper.GetInt("store.bug_id_length"),
			PublicURL: strings.TrimRight(viper.GetString("public_url"), "/"),
		},
		StoreSweep:          viper.GetDuration("store.sweep_interval"),
		ConversationTimeout: viper.GetDuration("conversation.timeout"),
		ConversationSweep:   viper.GetDuration("conversation.sweep_interval"),
		OutboxRetention:     viper.GetDuration("outbox.retention"),
		OutboxPurge:         viper.GetDuration("outbox.purge_interval"),
		BotName:             viper.GetString("bot.name"),
		Classifier:          strings.ToLower(viper.GetString("classifier")),
		AnthropicKey:        viper.GetString("anthropic.api_key"),
		AnthropicModel:      viper.GetString("anthropic.model"),
	}

	if err := s.Store.Validate(); err != nil {
		return s, err
	}
	if s.Port <= 0 || s.Port > 65535 {
		return s, fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	for key, d := range map[string]time.Duration{
		"store.sweep_interval":        s.StoreSweep,
		"conversation.sweep_interval": s.ConversationSweep,
		"outbox.purge_interval":       s.OutboxPurge,
	} {
		if d <= 0 {
			return s, fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if s.ConversationTimeout < 0 {
		return s, fmt.Errorf("conversation.timeout must not be negative, got %s", s.ConversationTimeout)
	}
	switch s.Classifier {
	case classifierKeyword, classifierAnthropic:
	default:
		return s, fmt.Errorf("unknown classifier %q (want %q or %q)", s.Classifier, classifierKeyword, classifierAnthropic)
	}
	return s, nil
}

// app is the wired core: issue store, tracker, conversation registry,
// dialogue engine and outbound message queue.
type app struct {
	settings Settings
	store    *store.Store
	svc      *tracker.Service
	registry *dialogue.Registry
	engine   *dialogue.Engine
	outbox   *outbox.SQLiteOutbox
	log      *zap.Logger
}

// newApp wires the core. outboxPath overrides the configured outbox
// location; ":memory:" keeps the queue in process.
func newApp(ctx context.Context, s Settings, outboxPath string, log *zap.Logger) (*app, error) {
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.New(s.Store,
		store.WithDisposeHook(tracker.LogExpired(log)),
		store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create issue store: %w", err)
	}
	svc := tracker.New(st, log)

	box, err := outbox.NewSQLiteOutbox(outboxPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := box.Migrate(ctx); err != nil {
		_ = box.Close()
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}

	registry := conversation.NewRegistry[*dialogue.State](conversation.Config{
		Timeout: s.ConversationTimeout,
		Logger:  log,
	})
	engine := dialogue.New(svc, registry, newClassifier(s, log), box, dialogue.Config{
		BotName:    s.BotName,
		AllowList:  s.AllowList,
		DateLayout: s.DateLayout,
		Logger:     log,
	})
	svc.Attach(engine)

	return &app{
		settings: s,
		store:    st,
		svc:      svc,
		registry: registry,
		engine:   engine,
		outbox:   box,
		log:      log,
	}, nil
}

// runJanitors starts the periodic sweeps on g. They stop when ctx is done.
func (a *app) runJanitors(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.store.Run(ctx, a.settings.StoreSweep)
		return nil
	})
	g.Go(func() error {
		a.registry.Run(ctx, a.settings.ConversationSweep)
		return nil
	})
	g.Go(func() error {
		a.purgeOutbox(ctx)
		return nil
	})
}

// purgeOutbox drops delivered messages older than the retention period
// until ctx is cancelled.
func (a *app) purgeOutbox(ctx context.Context) {
	ticker := time.NewTicker(a.settings.OutboxPurge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.outbox.PurgeDelivered(ctx, now.Add(-a.settings.OutboxRetention))
			if err != nil {
				if ctx.Err() == nil {
					a.log.Warn("outbox purge failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				a.log.Debug("outbox purged", zap.Int64("messages", n))
			}
		}
	}
}

func (a *app) close() error {
	return a.outbox.Close()
}
