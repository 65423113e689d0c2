package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"hades/internal/config"
	"hades/internal/engine"
	"hades/internal/transcript"
	hadessdk "hades/sdk/go"
)

// Overrides are the values flags and the environment may put on top of the
// config file. Empty strings and nil pointers leave the file value in place.
type Overrides struct {
	ConfigPath string
	Backend    string
	TLS        *bool
	Variant    string
	LogLevel   string
	LogFormat  string
	LogFile    string
}

// ResolveConfig loads the config file (defaults when it does not exist),
// applies overrides and validates the result.
func ResolveConfig(o Overrides) (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = config.Path(".")
	}
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if v := strings.TrimSpace(o.Backend); v != "" {
		cfg.Backend.Address = v
	}
	if o.TLS != nil {
		cfg.Backend.TLS = *o.TLS
	}
	if v := strings.TrimSpace(o.Variant); v != "" {
		cfg.Console.Variant = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(o.LogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(o.LogFile); v != "" {
		cfg.Log.File = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds a slog logger for the level and format names the config accepts.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// OpenLogger writes to log.file when set, otherwise to fallback. The full
// screen console passes io.Discard as fallback so logs never tear the screen.
// The returned close func is never nil.
func OpenLogger(cfg *config.Config, fallback io.Writer) (*slog.Logger, func() error, error) {
	w := fallback
	closeFn := func() error { return nil }
	if path := strings.TrimSpace(cfg.Log.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = f.Close
	}
	logger, err := NewLogger(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}

// Console bundles what the operator console needs from the config: the
// backend client, the workflow engine and the transcript consumer.
type Console struct {
	Config   *config.Config
	Logger   *slog.Logger
	Client   *hadessdk.Client
	Variant  engine.Variant
	Consumer *transcript.Consumer
}

// NewConsole wires the console against cfg's backend.
func NewConsole(cfg *config.Config, logger *slog.Logger) (*Console, error) {
	variant, err := engine.VariantByName(cfg.Console.Variant)
	if err != nil {
		return nil, err
	}
	client := hadessdk.New(cfg.SubmitURL())
	if cfg.Backend.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Backend.Timeout
	}
	dialTimeout := cfg.Backend.Timeout
	if dialTimeout <= 0 {
		dialTimeout = transcript.DefaultDialTimeout
	}
	consumer := transcript.NewConsumer(transcript.Config{
		URL:         cfg.ChannelURL,
		DialTimeout: dialTimeout,
		Now:         time.Now,
		Logger:      logger,
	})
	return &Console{
		Config:   cfg,
		Logger:   logger,
		Client:   client,
		Variant:  variant,
		Consumer: consumer,
	}, nil
}

// NewEngine starts a fresh workflow bound to the backend client.
func (c *Console) NewEngine() *engine.Engine {
	return engine.New(c.Variant, c.Client, engine.WithLogger(c.Logger))
}
