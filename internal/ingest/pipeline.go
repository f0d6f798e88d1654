// Package ingest persists readings and forwards them: every stored reading
// is evaluated against the tenant's alert rules and published to the event
// sink.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldgate/internal/alerting"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/metrics"
)

// Store is the persistence the pipeline writes to.
type Store interface {
	SaveReading(ctx context.Context, tenantID string, reading *domain.Reading) error
	SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store   Store
	sink    domain.EventSink
	rules   *alerting.Engine
	metrics *metrics.Metrics
}

// New creates a pipeline. sink, rules and m may be nil.
func New(store Store, sink domain.EventSink, rules *alerting.Engine, m *metrics.Metrics) *Pipeline {
	return &Pipeline{store: store, sink: sink, rules: rules, metrics: m}
}

// Ingest stores reading for tag and forwards it. Only the storage write can
// fail the call: alert and publish failures are logged and counted.
// source is metrics.SourcePoll or metrics.SourceSub.
func (p *Pipeline) Ingest(ctx context.Context, source string, tag *domain.Tag, reading *domain.Reading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	if reading.Quality == "" {
		reading.Quality = domain.QualityGood
	}
	reading.TenantID = tag.TenantID
	reading.TagID = tag.ID

	if err := p.store.SaveReading(ctx, tag.TenantID, reading); err != nil {
		p.metrics.ReadingFailed(tag.TenantID, source)
		return err
	}
	p.metrics.ReadingStored(tag.TenantID, source)

	if p.rules != nil {
		p.raiseAlerts(ctx, tag, reading)
	}

	p.publish(ctx, tag.TenantID, domain.TopicReadings, NewEvent(tag, reading))
	return nil
}

func (p *Pipeline) raiseAlerts(ctx context.Context, tag *domain.Tag, reading *domain.Reading) {
	for _, m := range p.rules.Evaluate(ctx, tag.TenantID, alerting.Input{Reading: reading, Tag: tag}) {
		alert := &domain.Alert{
			ID:        uuid.New().String(),
			TenantID:  tag.TenantID,
			TagID:     tag.ID,
			RuleID:    m.Rule.ID,
			Timestamp: reading.Timestamp,
			Message:   m.Message,
			Value:     reading.Value,
		}
		if err := p.store.SaveAlert(ctx, tag.TenantID, alert); err != nil {
			slog.Error("failed to save alert",
				"tenant_id", tag.TenantID,
				"rule_id", m.Rule.ID,
				"tag_id", tag.ID,
				"error", err,
			)
			continue
		}
		p.metrics.AlertRaised(tag.TenantID)
		slog.Info("alert raised",
			"tenant_id", tag.TenantID,
			"rule_id", m.Rule.ID,
			"tag_name", tag.Name,
			"value", reading.Value,
		)
		p.publish(ctx, tag.TenantID, domain.TopicAlerts, alert)
	}
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, v any) {
	if p.sink == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err == nil {
		err = p.sink.Publish(ctx, tenantID, topic, payload)
	}
	if err != nil {
		p.metrics.PublishFailed(tenantID, topic)
		slog.Warn("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

// NewEvent builds the published form of a reading.
func NewEvent(tag *domain.Tag, reading *domain.Reading) domain.ReadingEvent {
	return domain.ReadingEvent{
		TenantID:      tag.TenantID,
		TagName:       tag.Name,
		TagID:         tag.ID,
		Value:         reading.Value,
		UnitOfMeasure: tag.UnitOfMeasure,
		Description:   tag.Description,
		Timestamp:     reading.Timestamp.UTC().Format(time.RFC3339Nano),
		Quality:       reading.Quality,
		Frequency:     reading.Frequency,
	}
}

// FormatValue renders a protocol value as stored reading text. NaN and
// infinities are kept as NaN, +Inf and -Inf.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return formatFloat(x, 64)
	case float32:
		return formatFloat(float64(x), 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		b, _ := json.Marshal(x)
		return string(b)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Debug("value is not JSON encodable, storing its Go form", "type", fmt.Sprintf("%T", v), "error", err)
		return fmt.Sprint(v)
	}
	return string(b)
}

func formatFloat(f float64, bits int) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, bits)
	}
	var b []byte
	if bits == 32 {
		b, _ = json.Marshal(float32(f))
	} else {
		b, _ = json.Marshal(f)
	}
	return string(b)
}

// NewReading builds an unsaved reading from a protocol value. The stored
// timestamp is receivedAt; the device timestamp is kept alongside.
func NewReading(value *domain.DataValue, frequency string, receivedAt time.Time) *domain.Reading {
	quality := value.Quality
	if quality == "" {
		quality = domain.QualityGood
	}
	return &domain.Reading{
		Timestamp:       receivedAt.UTC(),
		Value:           FormatValue(value.Value),
		Frequency:       frequency,
		Quality:         quality,
		SourceTimestamp: value.Timestamp(),
	}
}
