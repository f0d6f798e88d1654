package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/alerting"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type memStore struct {
	mu       sync.Mutex
	readings []*domain.Reading
	alerts   []*domain.Alert
	err      error
}

func (s *memStore) SaveReading(ctx context.Context, tenantID string, r *domain.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *memStore) SaveAlert(ctx context.Context, tenantID string, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type published struct {
	tenantID string
	topic    string
	payload  []byte
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (s *recordingSink) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, published{tenantID, topic, payload})
	return nil
}

func (s *recordingSink) Ping(ctx context.Context) error { return nil }
func (s *recordingSink) Close() error                   { return nil }

func (s *recordingSink) topic(topic string) []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []published
	for _, m := range s.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

var boilerTag = &domain.Tag{
	ID:            "tag-1",
	TenantID:      "plant-a",
	Name:          "Boiler.Temp",
	UnitOfMeasure: "C",
	Description:   "Boiler temperature",
}

func TestIngestPersistsAndPublishes(t *testing.T) {
	store := &memStore{}
	sink := &recordingSink{}
	m := metrics.New()
	p := New(store, sink, nil, m)

	r := &domain.Reading{Value: "21.5", Frequency: "5s"}
	if err := p.Ingest(context.Background(), metrics.SourcePoll, boilerTag, r); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if len(store.readings) != 1 {
		t.Fatalf("expected 1 stored reading, got %d", len(store.readings))
	}
	stored := store.readings[0]
	if stored.TagID != "tag-1" || stored.TenantID != "plant-a" {
		t.Errorf("reading not bound to tag: %+v", stored)
	}
	if stored.Quality != domain.QualityGood || stored.Timestamp.IsZero() {
		t.Errorf("expected defaults to be filled, got %+v", stored)
	}

	msgs := sink.topic(domain.TopicReadings)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reading event, got %d", len(msgs))
	}
	var ev domain.ReadingEvent
	if err := json.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if ev.TagName != "Boiler.Temp" || ev.Value != "21.5" || ev.UnitOfMeasure != "C" || ev.Frequency != "5s" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Description != "Boiler temperature" || ev.TenantID != "plant-a" {
		t.Errorf("unexpected event %+v", ev)
	}

	if n, err := testutil.GatherAndCount(m.Registry(), "fieldgate_readings_total"); err != nil || n != 1 {
		t.Errorf("expected one readings series, got %d (%v)", n, err)
	}
}

func TestIngestStoreFailure(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	sink := &recordingSink{}
	p := New(store, sink, nil, nil)

	err := p.Ingest(context.Background(), metrics.SourceSub, boilerTag, &domain.Reading{Value: "1"})
	if err == nil {
		t.Fatal("expected store error")
	}
	if len(sink.msgs) != 0 {
		t.Error("an unsaved reading must not be published")
	}
}

func TestIngestPublishFailureIsNotFatal(t *testing.T) {
	store := &memStore{}
	sink := &recordingSink{err: errors.New("broker down")}
	p := New(store, sink, nil, metrics.New())

	if err := p.Ingest(context.Background(), metrics.SourcePoll, boilerTag, &domain.Reading{Value: "1"}); err != nil {
		t.Fatalf("publish failure must not fail ingest: %v", err)
	}
	if len(store.readings) != 1 {
		t.Error("reading should be stored")
	}
}

func TestIngestRaisesAlerts(t *testing.T) {
	engine, err := alerting.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.Load("plant-a", []*domain.AlertRule{
		{ID: "hot", Name: "hot", Expression: "value > 80.0", Message: "{tag} is {value}", Enabled: true},
	})

	store := &memStore{}
	sink := &recordingSink{}
	p := New(store, sink, engine, nil)
	ctx := context.Background()

	p.Ingest(ctx, metrics.SourcePoll, boilerTag, &domain.Reading{Value: "20"})
	p.Ingest(ctx, metrics.SourcePoll, boilerTag, &domain.Reading{Value: "90.5"})

	if len(store.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(store.alerts))
	}
	a := store.alerts[0]
	if a.RuleID != "hot" || a.Message != "Boiler.Temp is 90.5" || a.Value != "90.5" || a.ID == "" {
		t.Errorf("unexpected alert %+v", a)
	}
	if n := len(sink.topic(domain.TopicAlerts)); n != 1 {
		t.Errorf("expected 1 alert event, got %d", n)
	}
	if n := len(sink.topic(domain.TopicReadings)); n != 2 {
		t.Errorf("expected 2 reading events, got %d", n)
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{21.5, "21.5"},
		{int32(7), "7"},
		{true, "true"},
		{"RUN", "RUN"},
		{[]byte("raw"), "raw"},
		{nil, ""},
		{ts, "2025-03-01T12:00:00Z"},
		{[]int{1, 2}, "[1,2]"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "+Inf"},
		{float32(math.Inf(-1)), "-Inf"},
		{[]float64{1, math.NaN()}, "[1 NaN]"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewReading(t *testing.T) {
	src := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recv := src.Add(time.Second)

	r := NewReading(&domain.DataValue{Value: 3.0, SourceTimestamp: src}, domain.PollingFrequency(5), recv)
	if r.Value != "3" || r.Frequency != "5s" || r.Quality != domain.QualityGood {
		t.Errorf("unexpected reading %+v", r)
	}
	if !r.Timestamp.Equal(recv) || !r.SourceTimestamp.Equal(src) {
		t.Errorf("expected receive time key and source time kept, got %+v", r)
	}
}
