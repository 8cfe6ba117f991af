package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/map-sidebar/internal/changefeed"
	"github.com/mohammed-shakir/map-sidebar/internal/core/model"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []mapservice.ChangeEvent
}

func (f *fakePublisher) Publish(ev mapservice.ChangeEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 1
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeInvalidator) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRunner(t *testing.T, mapID string) (*Runner, *fakePublisher, *fakeInvalidator, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := observability.Init(reg, true); err != nil {
		t.Fatalf("observability init: %v", err)
	}
	pub := &fakePublisher{}
	inv := &fakeInvalidator{}
	r := New(Config{Enabled: true, Driver: DriverKafka}, pub, inv, Options{Register: reg, MapID: mapID})
	return r, pub, inv, reg
}

func message(t *testing.T, ev changefeed.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "map-changes", Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func layerUpdate(seq uint64, visible bool) changefeed.Event {
	return changefeed.Event{
		Version: 1, Kind: changefeed.KindLayer, Op: changefeed.OpUpdate, MapID: "m1",
		ID: "l1", Seq: seq, TS: time.Now().UTC(),
		Layer: &model.Layer{ID: "l1", Name: "Green Belt", Visible: visible},
	}
}

func TestUpdate_PublishesAndInvalidates(t *testing.T) {
	r, pub, inv, reg := newTestRunner(t, "m1")
	ctx := context.Background()

	if err := r.handleMessage(ctx, message(t, layerUpdate(1, true))); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if pub.count() != 1 || inv.count() != 1 {
		t.Fatalf("published=%d invalidated=%d", pub.count(), inv.count())
	}
	ev := pub.events[0]
	if ev.Topic != mapservice.LayerTopic("l1") || ev.Layer == nil || !ev.Layer.Visible {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("publish")); got != 1 {
		t.Fatalf("publish count=%v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "changefeed_messages_total"); err != nil || n == 0 {
		t.Fatalf("changefeed_messages_total not exported: n=%d err=%v", n, err)
	}
}

func TestSequenceDedupe_SkipsReplaysAndOlder(t *testing.T) {
	r, pub, _, _ := newTestRunner(t, "")
	ctx := context.Background()

	for _, seq := range []uint64{5, 5, 3, 6} {
		if err := r.handleMessage(ctx, message(t, layerUpdate(seq, seq%2 == 0))); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if pub.count() != 2 {
		t.Fatalf("published=%d want 2 (seq 5 and 6)", pub.count())
	}
	if got := testutil.ToFloat64(r.ms.apply.WithLabelValues("skip_seq")); got != 2 {
		t.Fatalf("skip_seq=%v want 2", got)
	}
}

func TestDelete_InvalidatesWithoutPublishing(t *testing.T) {
	r, pub, inv, _ := newTestRunner(t, "m1")
	ev := changefeed.Event{Version: 1, Kind: changefeed.KindGroup, Op: changefeed.OpDelete, ID: "g1", Seq: 1, TS: time.Now()}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if pub.count() != 0 || inv.count() != 1 {
		t.Fatalf("published=%d invalidated=%d", pub.count(), inv.count())
	}
}

func TestInvalidAndForeignEvents_Skipped(t *testing.T) {
	r, pub, inv, _ := newTestRunner(t, "m1")
	ctx := context.Background()

	bad := &sarama.ConsumerMessage{Value: []byte("{not json")}
	if err := r.handleMessage(ctx, bad); err != nil {
		t.Fatalf("undecodable message must be skipped, got %v", err)
	}
	invalid := layerUpdate(1, true)
	invalid.Version = 9
	if err := r.handleMessage(ctx, message(t, invalid)); err != nil {
		t.Fatalf("invalid event must be skipped, got %v", err)
	}
	foreign := layerUpdate(1, true)
	foreign.MapID = "other"
	if err := r.handleMessage(ctx, message(t, foreign)); err != nil {
		t.Fatalf("foreign event must be skipped, got %v", err)
	}
	if pub.count() != 0 || inv.count() != 0 {
		t.Fatalf("published=%d invalidated=%d", pub.count(), inv.count())
	}
}

func TestInvalidateFailure_IsRetriable(t *testing.T) {
	r, pub, inv, _ := newTestRunner(t, "m1")
	ctx := context.Background()
	inv.err = errors.New("redis down")

	msg := message(t, layerUpdate(1, true))
	if err := r.handleMessage(ctx, msg); err == nil {
		t.Fatal("expected error")
	}
	if pub.count() != 0 {
		t.Fatal("nothing should be published when invalidation fails")
	}

	inv.mu.Lock()
	inv.err = nil
	inv.mu.Unlock()
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("redelivered event not applied: published=%d", pub.count())
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(Config{Driver: DriverNone}, &fakePublisher{}, nil, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
	if ready, _ := r.Readiness(); ready {
		t.Fatal("disabled runner must not report assigned partitions")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("CHANGEFEED_ENABLED", "true")
	t.Setenv("CHANGEFEED_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	cfg := FromEnv()
	if !cfg.Enabled || cfg.Driver != DriverKafka || len(cfg.Brokers) != 2 || cfg.Topic != "map-changes" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := cfg.Sarama(); err != nil {
		t.Fatalf("sarama config: %v", err)
	}
}

func TestSarama_RejectsUnknownSASL(t *testing.T) {
	cfg := Config{SASL: SASLConfig{Enable: true, Mechanism: "OAUTHBEARER"}}
	if _, err := cfg.Sarama(); err == nil {
		t.Fatal("expected error")
	}
}
