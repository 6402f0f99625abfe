package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// LogSink writes events to a zap logger, leveled by severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("security")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	level := zapcore.InfoLevel
	switch ev.Severity {
	case SeverityMedium, SeverityHigh:
		level = zapcore.WarnLevel
	case SeverityCritical:
		level = zapcore.ErrorLevel
	}
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("reason", ev.Reason),
		zap.String("ip", ev.IP),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.Time("at", ev.Time),
	}
	if len(ev.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", ev.Attributes))
	}
	if ce := s.logger.Check(level, "Security event"); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by client IP so one client's
// events stay ordered on a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter creates an async writer for the security event topic.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to publish security events", zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.IP),
		Value: payload,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	})
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// GormSink persists events to the security_events table.
type GormSink struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormSink migrates the events table and returns the sink.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate security_events: %w", err)
	}
	return &GormSink{db: db, timeout: 2 * time.Second}, nil
}

func (s *GormSink) Name() string { return "database" }

func (s *GormSink) Write(ctx context.Context, ev Event) error {
	// detached from the request so a cancelled client still gets audited
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(&ev).Error
}

// Recent returns the newest events first, optionally filtered by type.
func (s *GormSink) Recent(ctx context.Context, typ EventType, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).Order("occurred_at desc").Limit(limit)
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
