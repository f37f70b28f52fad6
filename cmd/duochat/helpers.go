package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LuminPulse-AI/duochat"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Logging
// ============================================================================

// newLogger builds a zap logger writing to stderr at the configured level.
func newLogger(cfg ConfigLog) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (valid: console, json)", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func parseStatusRule(s string) (duochat.StatusRule, error) {
	switch s {
	case "", duochat.StatusForwardOnly.String():
		return duochat.StatusForwardOnly, nil
	case duochat.StatusAdoptRemote.String():
		return duochat.StatusAdoptRemote, nil
	}
	return 0, fmt.Errorf("unknown status rule %q (valid: forward-only, adopt-remote)", s)
}

// ============================================================================
// Store & mirror
// ============================================================================

func openStore(cfg ConfigStore, log *zap.Logger) (duochat.Store, func() error, error) {
	switch cfg.Kind {
	case "memory":
		return duochat.NewMemoryStore(), func() error { return nil }, nil
	case "pebble", "":
		s, err := duochat.OpenPebbleStore(cfg.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("%w (is another duochat process using %s?)", err, cfg.Path)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

func openMirror(ctx context.Context, cfg ConfigMirror, log *zap.Logger) (duochat.Mirror, func() error, error) {
	switch cfg.Kind {
	case "none", "":
		return nil, func() error { return nil }, nil
	case "redis":
		m, err := duochat.NewRedisMirror(ctx, duochat.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case "relay":
		ws := duochat.NewWSMirror(cfg.URL, &duochat.WSMirrorConfig{
			AutoReconnect: true,
			Logger:        log,
		})
		if err := ws.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to relay %s: %w", cfg.URL, err)
		}
		return ws, ws.Disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown mirror kind %q", cfg.Kind)
}

// ============================================================================
// Session
// ============================================================================

var (
	flagAs     string
	flagNoRead bool
	flagSettle time.Duration
)

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagAs, "as", "", "Participant to act as (default: config or saved identity)")
	cmd.Flags().BoolVar(&flagNoRead, "no-read", false, "Do not mark partner messages read")
	cmd.Flags().DurationVar(&flagSettle, "settle", 500*time.Millisecond, "Time to wait for the mirror's first snapshot")
}

// chatEnv is an open session with everything it depends on.
type chatEnv struct {
	cfg     *Config
	log     *zap.Logger
	session *duochat.Session
	closers []func() error
}

// openSession loads the config, opens the store and mirror, and starts a
// session. The caller must call close.
func openSession(ctx context.Context) (*chatEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	rule, err := parseStatusRule(cfg.Default.StatusRule)
	if err != nil {
		return nil, err
	}

	env := &chatEnv{cfg: cfg, log: log}
	store, closeStore, err := openStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeStore)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mirror, closeMirror, err := openMirror(dialCtx, cfg.Mirror, log)
	if err != nil {
		env.close(ctx)
		return nil, err
	}
	env.closers = append(env.closers, closeMirror)

	autoRead := !flagNoRead
	if cfg.Default.AutoRead != nil && !*cfg.Default.AutoRead {
		autoRead = false
	}

	env.session = duochat.NewSession(store, mirror,
		duochat.WithLogger(log),
		duochat.WithStatusRule(rule),
		duochat.WithMessagesPath(cfg.Mirror.Path),
		duochat.WithAutoRead(autoRead),
	)

	who := flagAs
	if who == "" {
		who = cfg.Default.Participant
	}
	if err := env.session.Start(ctx, who); err != nil {
		env.session = nil
		env.close(ctx)
		if errors.Is(err, duochat.ErrNoIdentity) {
			return nil, fmt.Errorf("%w: run 'duochat init <participant>' or pass --as", err)
		}
		return nil, err
	}

	if mirror != nil && flagSettle > 0 {
		select {
		case <-time.After(flagSettle):
		case <-ctx.Done():
		}
	}
	return env, nil
}

// close ends the session, flushing pending pushes, then releases the mirror
// and store in reverse order.
func (e *chatEnv) close(ctx context.Context) {
	if e.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.session.Close(closeCtx); err != nil {
			e.log.Warn("session_close_failed", zap.Error(err))
		}
		cancel()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("close_failed", zap.Error(err))
		}
	}
	e.log.Sync()
}

// ============================================================================
// Rendering
// ============================================================================

func ticks(m duochat.VisibleMessage) string {
	if !m.Mine || m.Deleted {
		return ""
	}
	switch m.Status {
	case duochat.StatusRead:
		return " ✓✓ read"
	case duochat.StatusDelivered:
		return " ✓✓"
	}
	return " ✓"
}

func printMessage(w io.Writer, m duochat.VisibleMessage, showIDs bool) {
	if m.Quote != nil {
		who := m.Quote.Sender
		if who == "" {
			who = "?"
		}
		fmt.Fprintf(w, "    ↳ %s: %s\n", who, m.Quote.Text)
	}
	who := m.Sender
	if m.Mine {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s%s", duochat.FormatTime(m.Time()), who, strings.ReplaceAll(m.Body(), "\n", "\n    "), ticks(m))
	if showIDs {
		line += "  (" + m.ID + ")"
	}
	fmt.Fprintln(w, line)
}
