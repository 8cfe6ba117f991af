// Package kafka consumes the map change feed and applies it to a running
// sidebar: updates are pushed to live subscribers and every change drops the
// cached catalog.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/map-sidebar/internal/changefeed"
	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
	"github.com/mohammed-shakir/map-sidebar/internal/mapservice"
)

type Publisher interface {
	Publish(ev mapservice.ChangeEvent) int
}

type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Runner struct {
	log      *slog.Logger
	cfg      Config
	mapID    string
	pub      Publisher
	inv      Invalidator
	ms       *metricSet
	seq      *sequenceDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// MapID drops events for other maps when set.
	MapID string
}

func New(cfg Config, pub Publisher, inv Invalidator, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		mapID:  opts.MapID,
		pub:    pub,
		inv:    inv,
		ms:     newMetricSet(opts.Register),
		seq:    newSequenceDedupe(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Enabled() bool { return r.cfg.Enabled && r.cfg.Driver == DriverKafka }

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("change feed disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.pub == nil {
		return errors.New("change feed runner: publisher is required")
	}

	cfg, err := r.cfg.Sarama()
	if err != nil {
		return fmt.Errorf("change feed config: %w", err)
	}
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("change feed runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("change feed runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one change event. Malformed or foreign events are
// counted and skipped; only a failed catalog invalidation is returned so the
// message is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		observability.SetChangeFeedLag(time.Since(msg.Timestamp).Seconds())
	}

	var ev changefeed.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncChangeFeed("invalid")
		r.log.Warn("undecodable change event", "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncChangeFeed("invalid")
		r.log.Warn("invalid change event", "offset", msg.Offset, "err", err)
		return nil
	}
	if r.mapID != "" && ev.MapID != "" && ev.MapID != r.mapID {
		observability.IncChangeFeed("foreign")
		return nil
	}

	err := r.apply(ctx, ev)
	r.observe(string(ev.Op), err, time.Since(start))
	return err
}

func (r *Runner) apply(ctx context.Context, ev changefeed.Event) error {
	if ev.Seq > 0 && r.seq.stale(ev.Key(), ev.Seq) {
		r.ms.apply.WithLabelValues("skip_seq").Inc()
		return nil
	}

	if r.inv != nil {
		if err := r.inv.Invalidate(ctx); err != nil {
			return fmt.Errorf("invalidate catalog for %s: %w", ev.Key(), err)
		}
		r.ms.apply.WithLabelValues("invalidate").Inc()
	}

	if ev.Seq > 0 {
		r.seq.commit(ev.Key(), ev.Seq)
	}
	if ce, ok := ev.ChangeEvent(); ok {
		n := r.pub.Publish(ce)
		r.ms.apply.WithLabelValues("publish").Inc()
		r.log.Debug("change event published", "entity_id", ev.ID, "kind", ev.Kind, "subscribers", n)
	}
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		observability.IncChangeFeed("error")
	} else {
		observability.IncChangeFeed("ok")
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
