package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyPeer      contextKey = "peer"
	ContextKeyChannel   contextKey = "channel"
	ContextKeyMethod    contextKey = "method"
)

const (
	DefaultLogLevel       = "info"
	DefaultLogFileSize    = 100 // MB
	DefaultMaxBackups     = 10
	DefaultMaxAge         = 30 // days
	DefaultSampleRate     = 100
	HighLoadThreshold     = 5000 // messages per second
	SamplingCheckInterval = 1 * time.Second
)

// Field names that must never reach a log sink in the clear. Settlement
// signatures and key material go through here, so the match is deliberately
// broad.
var sensitiveFieldNames = map[string]bool{
	"password":       true,
	"secret":         true,
	"token":          true,
	"key":            true,
	"private_key":    true,
	"signer_key":     true,
	"signed_tx":      true,
	"raw_tx":         true,
	"auth":           true,
	"authorization":  true,
	"credential":     true,
	"credentials":    true,
	"sasl_password":  true,
	"scram_password": true,
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string
	Development bool

	OutputPath      string
	ErrorOutputPath string

	EnableRotation bool
	MaxSize        int // megabytes
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	EnableSampling bool
	SampleRate     int

	EnableSanitization bool
	RedactionMode      RedactionMode

	NodeID    string
	Component string
}

// RedactionMode defines how sensitive data is redacted
type RedactionMode int

const (
	RedactNone RedactionMode = iota
	RedactFull
	RedactHash
)

// DefaultLogConfig returns production-ready defaults
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:              getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:        getEnvOrDefault("ENVIRONMENT", "production") == "development",
		OutputPath:         getEnvOrDefault("LOG_FILE_PATH", ""),
		ErrorOutputPath:    "stderr",
		EnableRotation:     getEnvOrDefault("LOG_FILE_PATH", "") != "",
		MaxSize:            getEnvAsIntOrDefault("LOG_MAX_SIZE", DefaultLogFileSize),
		MaxBackups:         getEnvAsIntOrDefault("LOG_MAX_BACKUPS", DefaultMaxBackups),
		MaxAge:             getEnvAsIntOrDefault("LOG_MAX_AGE", DefaultMaxAge),
		Compress:           getEnvAsBoolOrDefault("LOG_COMPRESS", true),
		EnableSampling:     true,
		SampleRate:         DefaultSampleRate,
		EnableSanitization: true,
		RedactionMode:      RedactFull,
		NodeID:             getEnvOrDefault("NODE_ID", ""),
		Component:          getEnvOrDefault("SERVICE_NAME", "superpeer"),
	}
}

// Logger provides structured, secure logging
type Logger struct {
	base        *zap.Logger
	config      *LogConfig
	atomicLevel zap.AtomicLevel

	messageCount  uint64
	sampledCount  uint64
	sampling      atomic.Bool
	sampleCounter uint64

	sanitizer *sanitizer

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}
	if config.EnableSampling && config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := buildCore(config, encoderConfig, atomicLevel)
	if config.EnableSampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}

	logger := &Logger{
		base:        zapLogger,
		config:      config,
		atomicLevel: atomicLevel,
		done:        make(chan struct{}),
		sanitizer:   newSanitizer(config.RedactionMode),
	}
	logger.startLoadMonitor()
	return logger, nil
}

// WithContext creates a new logger with context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
		sanitizer:   l.sanitizer,
		done:        l.done,
	}
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		base:        l.base.With(l.sanitizer.sanitizeFields(fields)...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
		sanitizer:   l.sanitizer,
		done:        l.done,
	}
}

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.WithContext(ctx).base.Debug(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.WithContext(ctx).base.Info(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.WithContext(ctx).base.Warn(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	// Never sample errors
	l.WithContext(ctx).base.Error(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.base.Debug(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.base.Info(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	if l.shouldSample() {
		atomic.AddUint64(&l.sampledCount, 1)
		return
	}
	l.base.Warn(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Error(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Fatal(msg, l.sanitizer.sanitizeFields(fields)...)
}

func (l *Logger) SetLevel(level string) error {
	newLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(newLevel)
	l.Info("log level changed", zap.String("new_level", level))
	return nil
}

func (l *Logger) GetLevel() string {
	return l.atomicLevel.Level().String()
}

func (l *Logger) Shutdown() error {
	var err error
	l.shutdownOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.base.Sync()
	})
	return err
}

func buildCore(config *LogConfig, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	if config.EnableRotation && config.OutputPath != "" {
		writer := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		return zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
}

func extractContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if val := ctx.Value(ContextKeyRequestID); val != nil {
		fields = append(fields, zap.String("request_id", fmt.Sprintf("%v", val)))
	}
	if val := ctx.Value(ContextKeyPeer); val != nil {
		fields = append(fields, zap.String("peer", fmt.Sprintf("%v", val)))
	}
	if val := ctx.Value(ContextKeyChannel); val != nil {
		fields = append(fields, zap.String("channel", fmt.Sprintf("%v", val)))
	}
	if val := ctx.Value(ContextKeyMethod); val != nil {
		fields = append(fields, zap.String("method", fmt.Sprintf("%v", val)))
	}
	return fields
}

func (l *Logger) startLoadMonitor() {
	if !l.config.EnableSampling {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(SamplingCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				count := atomic.SwapUint64(&l.messageCount, 0)
				rate := float64(count) / SamplingCheckInterval.Seconds()
				if rate > HighLoadThreshold {
					if !l.sampling.Load() {
						l.sampling.Store(true)
						l.Warn("high log rate detected, enabling sampling",
							zap.Float64("rate", rate),
							zap.Float64("threshold", HighLoadThreshold))
					}
				} else if l.sampling.Load() {
					l.sampling.Store(false)
					l.Info("log rate normalized, disabling sampling",
						zap.Float64("rate", rate))
				}
			}
		}
	}()
}

func (l *Logger) shouldSample() bool {
	if !l.config.EnableSampling || !l.sampling.Load() {
		return false
	}
	sampleRate := l.config.SampleRate
	if sampleRate <= 0 {
		return false
	}
	counter := atomic.AddUint64(&l.sampleCounter, 1)
	return counter%uint64(sampleRate) != 0
}

// sanitizer handles sensitive data redaction
type sanitizer struct {
	mode RedactionMode
}

func newSanitizer(mode RedactionMode) *sanitizer {
	return &sanitizer{mode: mode}
}

func (s *sanitizer) sanitizeFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 || s.mode == RedactNone {
		return fields
	}
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if s.isSensitiveField(field.Key) {
			result = append(result, s.redactField(field))
		} else if field.Type == zapcore.StringType {
			result = append(result, zap.String(field.Key, s.sanitizeString(field.String)))
		} else {
			result = append(result, field)
		}
	}
	return result
}

func (s *sanitizer) isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	return sensitiveFieldNames[lower] || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "password") || strings.Contains(lower, "token")
}

func (s *sanitizer) redactField(field zap.Field) zap.Field {
	if s.mode == RedactHash {
		return zap.String(field.Key, "[HASH:"+hashString(field.String)+"]")
	}
	return zap.String(field.Key, "[REDACTED]")
}

func (s *sanitizer) sanitizeString(value string) string {
	// Containment checks rather than regex; cheap and catches the common
	// shapes (bearer tokens, PEM blocks, k=v secrets).
	lower := strings.ToLower(value)
	indicators := []string{
		"bearer ",
		"password=",
		"secret=",
		"token=",
		"apikey=",
		"api_key=",
		"-----begin",
	}
	for _, indicator := range indicators {
		if strings.Contains(lower, indicator) {
			return "[REDACTED]"
		}
	}
	return value
}

func hashString(s string) string {
	var hash uint32
	for i := 0; i < len(s); i++ {
		hash = hash*31 + uint32(s[i])
	}
	return fmt.Sprintf("%08x", hash)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

func ContextWithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, ContextKeyPeer, peer)
}

func ContextWithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ContextKeyChannel, channel)
}

func ContextWithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, ContextKeyMethod, method)
}

func ExtractRequestID(ctx context.Context) string {
	if id := ctx.Value(ContextKeyRequestID); id != nil {
		return fmt.Sprintf("%v", id)
	}
	return ""
}

// Zap field helpers

func ZapString(key, val string) zap.Field                  { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                 { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field             { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field           { return zap.Uint64(key, val) }
func ZapFloat64(key string, val float64) zap.Field         { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field               { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                         { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field  { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field          { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field         { return zap.Any(key, val) }
func ZapStringArray(key string, val []string) zap.Field    { return zap.Strings(key, val) }

// Global logger management

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
	globalLoggerMu   sync.RWMutex
)

func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		logger, err := NewLogger(DefaultLogConfig())
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			globalLogger = &Logger{
				base:      zapLogger,
				config:    DefaultLogConfig(),
				done:      make(chan struct{}),
				sanitizer: newSanitizer(RedactFull),
			}
		} else {
			globalLogger = logger
		}
	})
	return globalLogger
}

func SetGlobalLogger(logger *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger != nil {
		globalLogger.Shutdown()
	}
	globalLogger = logger
}

func CreateTestLogger() *Logger {
	logger, _ := NewLogger(&LogConfig{
		Level:              "debug",
		Development:        true,
		EnableSampling:     false,
		EnableSanitization: false,
		RedactionMode:      RedactNone,
	})
	return logger
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
