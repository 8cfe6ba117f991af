// Package actionlog publishes sidebar user actions to Kafka.
package actionlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/map-sidebar/internal/core/observability"
)

type Action string

const (
	LayerVisibility Action = "layer_visibility"
	GroupVisibility Action = "group_visibility"
	FilterApplied   Action = "filter_applied"
	FilterCleared   Action = "filter_cleared"
	ZoomToLayer     Action = "zoom_to_layer"
	DataTable       Action = "data_table"
)

type Event struct {
	Action    Action          `json:"action"`
	MapID     string          `json:"map_id,omitempty"`
	EntityID  string          `json:"entity_id"`
	Visible   *bool           `json:"visible,omitempty"`
	Filter    json.RawMessage `json:"filter,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TS        time.Time       `json:"ts"`
}

// Recorder accepts actions without blocking the caller.
type Recorder interface {
	Record(ev Event)
}

// Nop discards every action.
type Nop struct{}

func (Nop) Record(Event) {}

type Publisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errsWG  sync.WaitGroup
	once    sync.Once
}

// NewPublisher connects an async producer to brokers. cfg may be nil.
func NewPublisher(brokers []string, topic string, queueSize int, cfg *sarama.Config, log *slog.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Version = sarama.V2_5_0_0
	}
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("actionlog: create async producer: %w", err)
	}
	return New(prod, topic, queueSize, log), nil
}

// New publishes through prod and takes ownership of it.
func New(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		log:     log.With("component", "actionlog"),
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncActionEvent("error")
				p.log.Error("marshal action", "action", ev.Action, "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.EntityID),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncActionEvent("sent")
		}
	}()

	p.errsWG.Add(1)
	go func() {
		defer p.errsWG.Done()
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncActionEvent("error")
				p.log.Warn("action not delivered", "err", err)
			}
		}
	}()

	return p
}

// Record queues ev. A full queue drops it.
func (p *Publisher) Record(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
	default:
		observability.IncActionEvent("dropped")
	}
}

// Close flushes queued actions and closes the producer. Record must not be
// called afterwards.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		<-p.stopped
		if cerr := p.prod.Close(); cerr != nil {
			err = fmt.Errorf("actionlog: close producer: %w", cerr)
		}
		p.errsWG.Wait()
	})
	return err
}
