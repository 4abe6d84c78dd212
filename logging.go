package fetchkit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// NewLogger builds a zap logger from cfg, falling back to a production
// logger when cfg cannot be built.
func NewLogger(cfg LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// LoggingPlugin writes one log line per request, response and failure.
type LoggingPlugin struct {
	logger *zap.Logger
}

var attemptStartSlot = NewKey[time.Time]("logging.attempt_start")

// NewLoggingPlugin logs to logger; nil uses each call's logger.
func NewLoggingPlugin(logger *zap.Logger) *LoggingPlugin {
	return &LoggingPlugin{logger: logger}
}

// Name implements Plugin.
func (p *LoggingPlugin) Name() string { return "logging" }

func (p *LoggingPlugin) loggerFor(call *Call) *zap.Logger {
	if p.logger == nil {
		return call.Logger()
	}
	req := call.Request()
	return p.logger.With(
		zap.String("request_id", call.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
	)
}

// OnRequest implements RequestHook.
func (p *LoggingPlugin) OnRequest(_ context.Context, req *Request, call *Call) (Decision, error) {
	SetValue(call, attemptStartSlot, time.Now())
	p.loggerFor(call).Debug("request", zap.Int("attempt", call.RetryAttempt))
	return Continue(req), nil
}

// OnResponse implements ResponseHook.
func (p *LoggingPlugin) OnResponse(_ context.Context, resp *Response, call *Call) (*Response, error) {
	fields := []zap.Field{
		zap.Int("status", resp.StatusCode),
		zap.Int("attempt", call.RetryAttempt),
		zap.Int("bytes", len(resp.Body)),
	}
	if start, ok := GetValue(call, attemptStartSlot); ok {
		fields = append(fields, zap.Duration("duration", time.Since(start)))
	}
	p.loggerFor(call).Info("response", fields...)
	return resp, nil
}

// OnError implements ErrorHook.
func (p *LoggingPlugin) OnError(_ context.Context, err *ClientError, call *Call) Verdict {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.Int("attempt", call.RetryAttempt),
		zap.Error(err),
	}
	if err.StatusCode > 0 {
		fields = append(fields, zap.Int("status", err.StatusCode))
	}
	if start, ok := GetValue(call, attemptStartSlot); ok {
		fields = append(fields, zap.Duration("duration", time.Since(start)))
	}
	p.loggerFor(call).Warn("request failed", fields...)
	return Propagate(err)
}
