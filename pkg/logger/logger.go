package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	if v := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL")); v != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(v))); err != nil {
			fmt.Fprintf(os.Stderr, "invalid P2P_LOG_LEVEL %q, using info\n", v)
		}
	}
	// Until SetNode runs (tests, or before the CLI has the node id) everything
	// goes to stderr.
	rebind(zapcore.Lock(os.Stderr))
}

// SetNode redirects the global logger to the node's own file under logs/
// and stamps every entry with the node id. Several nodes usually share one
// machine during a run; separate files plus the id field keep their output
// tellable apart when tailing.
func SetNode(id int) error {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := fmt.Sprintf("logs/node-%d.log", id)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	rebind(zapcore.AddSync(file), zap.Int("node", id))
	Sugar.Infof("[Logger] logging to %s", path)
	return nil
}

func rebind(sink zapcore.WriteSyncer, fields ...zap.Field) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), sink, level)
	Log = zap.New(core, zap.AddCaller()).With(fields...)
	Sugar = Log.Sugar()
}
