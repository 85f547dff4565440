package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the process-wide logger to emit structured JSON and returns
// the slog.Logger services should use directly. Every line carries the service
// name and, when provided, the deployment environment. The minimum level can
// be lowered with DEED_LOG_LEVEL=debug.
func Setup(service, env string) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(strings.TrimSpace(os.Getenv("DEED_LOG_LEVEL")), "debug") {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Bridge the standard library logger so dependencies that call log.Printf
	// still land in the structured stream.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
