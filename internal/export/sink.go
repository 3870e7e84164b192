package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/heimdex/binwatch/internal/events"
)

// Sink receives finished reports.
type Sink interface {
	Publish(ctx context.Context, r *Report) error
	Close() error
}

// FileSink writes <video>_report.json and <video>_report.md into a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create reports dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Paths returns where r is written.
func (s *FileSink) Paths(r *Report) (jsonPath, mdPath string) {
	base := ReportBaseName(r.Metadata.Source)
	if r.Metadata.RunID != "" {
		base += "_" + shortID(r.Metadata.RunID)
	}
	return filepath.Join(s.dir, base+"_report.json"), filepath.Join(s.dir, base+"_report.md")
}

func (s *FileSink) Publish(_ context.Context, r *Report) error {
	jsonPath, mdPath := s.Paths(r)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	if err := os.WriteFile(mdPath, []byte(r.Markdown()), 0644); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }

// MessageWriter is the part of *kafka.Writer the Kafka sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// VerdictMessage is the value of one Kafka message.
type VerdictMessage struct {
	RunID  string        `json:"run_id"`
	Source string        `json:"source"`
	Event  events.Record `json:"event"`
}

// KafkaSink publishes one message per event, keyed by run id and event id.
type KafkaSink struct {
	w      MessageWriter
	logger *slog.Logger
}

// NewKafkaSink connects a hash-balanced writer so every event of a run
// lands on one partition.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewKafkaSinkWithWriter(w, logger)
}

func NewKafkaSinkWithWriter(w MessageWriter, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{w: w, logger: logger.With("component", "kafka_sink")}
}

func (s *KafkaSink) Publish(ctx context.Context, r *Report) error {
	if len(r.Events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(r.Events))
	for _, rec := range r.Events {
		b, err := json.Marshal(VerdictMessage{RunID: r.Metadata.RunID, Source: r.Metadata.Source, Event: rec})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.Metadata.RunID + "/" + strconv.Itoa(rec.EventID)),
			Value: b,
		})
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish verdicts: %w", err)
	}
	s.logger.Info("verdicts published", "run_id", r.Metadata.RunID, "messages", len(msgs))
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// MultiSink fans a report out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, r *Report) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Publish(ctx, r))
	}
	return err
}

func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// ReportBaseName derives a file-safe name from a source video path.
func ReportBaseName(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name := strings.ReplaceAll(SanitizeName(base, 80), " ", "_")
	if name == "" || name == "." {
		return "video"
	}
	return name
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
