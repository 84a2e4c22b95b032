package jamespy

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	gormlogger "gorm.io/gorm/logger"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"
)

const (
	// loggerNameKey names the subsystem a logger belongs to
	loggerNameKey = "logger"

	loggerContextKey contextKey = "logger"
)

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

// newLogHandler returns the tint handler every subsystem logs through
func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(w, &tint.Options{Level: level, AddSource: true})
}

// WithLogger returns a copy of ctx carrying logger, or slog.Default()
// when logger is nil
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger carried by ctx, if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// discordgoLoggerFunc adapts logger to discordgo.Logger, so the
// library's printf-style messages end up as single-line slog records
func discordgoLoggerFunc(
	ctx context.Context,
	logger *slog.Logger,
) func(msgL int, caller int, format string, args ...any) {
	logger = logger.With(loggerNameKey, "discordgo")
	return func(msgL int, _ int, format string, args ...any) {
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		logger.Log(ctx, discordgoLevel(msgL), msg)
	}
}

func discordgoLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// structToSlogValue logs a struct as a group keyed by each field's JSON
// name. Fields tagged `log:"..."` are logged as the tag value instead of
// their own, which is how secrets are kept out of the logs. Nil, empty
// and unexported fields are left out.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}

		if replacement := field.Tag.Get("log"); replacement != "" {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		if isEmptyLogValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyLogValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

// DBLogLevel persists a slog.Level by name ("INFO", "WARN", ...).
type DBLogLevel string

func parseDBLogLevel(s string) (DBLogLevel, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return "", fmt.Errorf("unknown log level: %s", s)
	}
	return DBLogLevel(level.String()), nil
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Level returns the slog.Level for l. An unknown name is logged and
// treated as INFO.
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l)); err != nil {
		slog.Default().Error("unknown log level", "level", string(l))
		return slog.LevelInfo
	}
	return level
}

// Set parses s, leaving l unchanged when s isn't a known level
func (l *DBLogLevel) Set(s string) error {
	parsed, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.Set(v)
	case []byte:
		return l.Set(string(v))
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.Set(s)
}

// gormStructuredLogger sends gorm's logging through slog. Statements
// slower than slowThreshold are logged at WARN, the rest at DEBUG.
// The level itself is controlled by the handler.
type gormStructuredLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

func (g *gormStructuredLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, msg string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, msg string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	statement, rowsAffected := fc()

	attrs := []any{"elapsed", elapsed, "sql", statement}
	if rowsAffected >= 0 {
		attrs = append(attrs, "rows", rowsAffected)
	}
	if err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) {
		attrs = append(attrs, tint.Err(err))
	}

	if g.slowThreshold > 0 && elapsed > g.slowThreshold {
		g.logger.WarnContext(ctx, "slow sql", append(attrs, "threshold", g.slowThreshold)...)
		return
	}
	g.logger.DebugContext(ctx, "sql completed", attrs...)
}
