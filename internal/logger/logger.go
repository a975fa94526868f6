// Package logger wraps zerolog with the process defaults used by orderlens binaries.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger
type Options struct {
	Level      string
	Format     string // console or json
	Service    string
	Writer     io.Writer
	WithCaller bool
}

var (
	once   sync.Once
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// Logger is the project-wide logging type.
type Logger = zerolog.Logger

// Get returns the process-wide root logger, initializing it from LOG_LEVEL/LOG_FORMAT if Init
// was never called.
func Get() *Logger {
	if !inited.Load() {
		Init(Options{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: strings.ToLower(os.Getenv("LOG_FORMAT")),
		})
	}
	return root.Load()
}

// Init builds the root logger. Only the first call has any effect.
func Init(opt Options) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log := New(opt)
		root.Store(&log)
		inited.Store(true)
	})
}

// New builds a standalone logger from opt without touching the root logger.
func New(opt Options) Logger {
	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	if opt.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	log := ctx.Logger()
	if opt.WithCaller {
		log = log.With().Caller().Logger()
	}
	return log
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Named returns a child of the root logger with a component field
func Named(component string) Logger {
	l := *Get()
	if component == "" {
		return l
	}
	return l.With().Str("component", component).Logger()
}

type ctxKey struct{ name string }

var keyUserID = ctxKey{"user_id"}

// WithUser records the calling user's identity on ctx. An empty id leaves ctx unchanged.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID returns the identity stored by WithUser, if any.
func UserID(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(keyUserID).(string)
	return s, ok && s != ""
}

// C returns l enriched with request-scoped fields from ctx.
func C(ctx context.Context, l Logger) *Logger {
	if id, ok := UserID(ctx); ok {
		l = l.With().Str("user_id", id).Logger()
	}
	return &l
}
