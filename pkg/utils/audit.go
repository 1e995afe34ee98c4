package utils

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit severity levels
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditError    AuditSeverity = "ERROR"
	AuditSecurity AuditSeverity = "SECURITY"
)

var (
	ErrAuditLogClosed    = errors.New("audit: log is closed")
	ErrAuditVerifyFailed = errors.New("audit: verification failed")
	ErrAuditSequenceGap  = errors.New("audit: sequence number gap detected")
)

// AuditConfig configures the audit logger
type AuditConfig struct {
	FilePath       string
	EnableRotation bool
	MaxSize        int // MB
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	EnableSigning bool
	SigningKey    []byte

	BufferSize    int
	FlushInterval time.Duration

	NodeID       string
	Component    string
	StaticFields map[string]interface{}
}

// DefaultAuditConfig returns secure defaults
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		EnableRotation: true,
		MaxSize:        100,
		MaxBackups:     30,
		MaxAge:         90,
		Compress:       true,
		EnableSigning:  true,
		BufferSize:     64 * 1024,
		FlushInterval:  5 * time.Second,
	}
}

// AuditRecord is a single tamper-evident log entry. Records form a hash
// chain: each carries the hash of the previous one plus an optional HMAC.
type AuditRecord struct {
	Timestamp string                 `json:"ts"`
	Sequence  uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Severity  AuditSeverity          `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"sig,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// AuditLogger records settlement-relevant actions (channel opens, closes,
// balance updates, gateway rejections) to an append-only JSONL file.
type AuditLogger struct {
	config  *AuditConfig
	writer  io.Writer
	closer  io.Closer
	encoder *json.Encoder

	sequence   uint64
	lastHash   string
	signingKey []byte

	buffer   *bufio.Writer
	bufferMu sync.Mutex

	closed atomic.Bool
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}
	if config.FilePath == "" {
		return nil, errors.New("file path is required")
	}

	var writer io.Writer
	var closer io.Closer
	if config.EnableRotation {
		rotator := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writer = rotator
		closer = rotator
	} else {
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		writer = f
		closer = f
	}

	buffer := bufio.NewWriterSize(writer, config.BufferSize)
	al := &AuditLogger{
		config:     config,
		writer:     writer,
		closer:     closer,
		buffer:     buffer,
		encoder:    json.NewEncoder(buffer),
		signingKey: config.SigningKey,
		stopCh:     make(chan struct{}),
	}
	if config.FlushInterval > 0 {
		al.startPeriodicFlush()
	}
	return al, nil
}

// Log writes an audit record
func (al *AuditLogger) Log(event string, severity AuditSeverity, fields map[string]interface{}) error {
	if al.closed.Load() {
		return ErrAuditLogClosed
	}
	record := al.buildRecord(event, severity, fields)
	if al.config.EnableSigning && len(al.signingKey) > 0 {
		record.Signature = computeRecordSignature(record, al.signingKey)
	}
	return al.writeRecord(record)
}

// LogContext writes an audit record carrying the request id from ctx
func (al *AuditLogger) LogContext(ctx context.Context, event string, severity AuditSeverity, fields map[string]interface{}) error {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if requestID := ExtractRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	if val := ctx.Value(ContextKeyPeer); val != nil {
		fields["peer"] = fmt.Sprintf("%v", val)
	}
	return al.Log(event, severity, fields)
}

func (al *AuditLogger) Info(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditInfo, fields)
}

func (al *AuditLogger) Warn(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditWarn, fields)
}

func (al *AuditLogger) Error(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditError, fields)
}

func (al *AuditLogger) Security(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditSecurity, fields)
}

// Flush flushes buffered records
func (al *AuditLogger) Flush() error {
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	if al.buffer != nil {
		return al.buffer.Flush()
	}
	return nil
}

// Close flushes and closes the audit logger
func (al *AuditLogger) Close() error {
	if !al.closed.CompareAndSwap(false, true) {
		return ErrAuditLogClosed
	}
	close(al.stopCh)
	al.wg.Wait()
	if err := al.Flush(); err != nil {
		return err
	}
	if al.closer != nil {
		return al.closer.Close()
	}
	return nil
}

// VerifyLog checks sequence continuity, the hash chain and record HMACs of
// an audit file produced by this logger.
func VerifyLog(path string, signingKey []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var prevHash string
	var lastSeq uint64
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if record.Sequence != lastSeq+1 {
			return fmt.Errorf("line %d: %w: expected %d, got %d",
				lineNum, ErrAuditSequenceGap, lastSeq+1, record.Sequence)
		}
		if prevHash != "" && record.PrevHash != prevHash {
			return fmt.Errorf("line %d: hash chain broken", lineNum)
		}
		if record.Signature != "" && len(signingKey) > 0 {
			if record.Signature != computeRecordSignature(record, signingKey) {
				return fmt.Errorf("line %d: %w", lineNum, ErrAuditVerifyFailed)
			}
		}
		prevHash = computeRecordHash(record)
		lastSeq = record.Sequence
	}
	return scanner.Err()
}

func (al *AuditLogger) buildRecord(event string, severity AuditSeverity, fields map[string]interface{}) AuditRecord {
	seq := atomic.AddUint64(&al.sequence, 1)
	record := AuditRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  seq,
		Event:     event,
		Severity:  severity,
		NodeID:    al.config.NodeID,
		Component: al.config.Component,
		Fields:    make(map[string]interface{}),
		PrevHash:  al.lastHash,
	}
	for k, v := range al.config.StaticFields {
		record.Fields[k] = v
	}
	for k, v := range fields {
		record.Fields[k] = v
	}
	return record
}

func (al *AuditLogger) writeRecord(record AuditRecord) error {
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	if err := al.encoder.Encode(record); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	al.lastHash = computeRecordHash(record)
	return nil
}

func (al *AuditLogger) startPeriodicFlush() {
	al.wg.Add(1)
	go func() {
		defer al.wg.Done()
		ticker := time.NewTicker(al.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-al.stopCh:
				return
			case <-ticker.C:
				al.Flush()
			}
		}
	}()
}

func computeRecordHash(record AuditRecord) string {
	data := fmt.Sprintf("%s|%d|%s|%s", record.Timestamp, record.Sequence, record.Event, record.Severity)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func computeRecordSignature(record AuditRecord, key []byte) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%s",
		record.Timestamp, record.Sequence, record.Event, record.Severity, record.PrevHash)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
