// Package export implements the optional outbound publish of alert/anomaly
// events and periodic stats snapshots to a configured NATS subject
// (SPEC_FULL.md Supplemented Features #2). It is a client-role publisher
// only, never a listener, grounded on the teacher's telemetry sender
// (agents/local-agent/internal/telemetry/sender.go): a buffered channel
// feeding a publish loop, with best-effort drop-when-full semantics
// rather than blocking the dispatcher callback that feeds it.
package export

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
)

// queueDepth bounds the outbound publish buffer; publishing never blocks
// the dispatcher thread that calls Callback as a registered callback.
const queueDepth = 1000

// wireEvent is the NATS-published JSON shape for a single event.
type wireEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Severity  string      `json:"severity"`
	Protocol  string      `json:"protocol"`
	Message   string      `json:"message"`
	SrcAddr   string      `json:"src_addr"`
	SrcPort   uint16      `json:"src_port"`
	DstAddr   string      `json:"dst_addr"`
	DstPort   uint16      `json:"dst_port"`
	SigID     int64       `json:"signature_id,omitempty"`
}

// wireStats is the NATS-published JSON shape for a stats snapshot.
type wireStats struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	model.Stats
}

// Sink publishes events and stats snapshots to NATS. It is disabled (a
// no-op) when constructed with an empty URL, never blocking callers either
// way.
type Sink struct {
	logger  *logging.Logger
	nc      *nats.Conn
	subject string

	outbox  chan any
	stopCh  chan struct{}
	doneCh  chan struct{}
	enabled bool

	published atomic.Int64
	dropped   atomic.Int64
}

// New connects to url and returns a Sink that publishes to subject. If url
// is empty the returned Sink is a disabled no-op, per SPEC_FULL.md's
// "disabled when unconfigured" requirement.
func New(logger *logging.Logger, url, subject string) (*Sink, error) {
	if url == "" {
		return &Sink{logger: logger, enabled: false}, nil
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	s := &Sink{
		logger:  logger,
		nc:      nc,
		subject: subject,
		outbox:  make(chan any, queueDepth),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		enabled: true,
	}
	go s.run()
	return s, nil
}

// Callback is registered with the dispatcher as a fan-out callback; it
// never blocks the dispatcher thread.
func (s *Sink) Callback(e model.Event) {
	if !s.enabled {
		return
	}
	s.enqueue(wireEvent{
		Type:      e.Kind.String(),
		Timestamp: e.Time().Format(time.RFC3339Nano),
		ID:        e.ID,
		Kind:      e.Kind.String(),
		Severity:  e.Severity.String(),
		Protocol:  e.Protocol.String(),
		Message:   e.Message,
		SrcAddr:   e.Source.Address,
		SrcPort:   e.Source.Port,
		DstAddr:   e.Destination.Address,
		DstPort:   e.Destination.Port,
		SigID:     e.Rule.SignatureID,
	})
}

// PublishStats enqueues the latest stats snapshot for publish.
func (s *Sink) PublishStats(st model.Stats) {
	if !s.enabled {
		return
	}
	s.enqueue(wireStats{Type: "stats", Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Stats: st})
}

func (s *Sink) enqueue(msg any) {
	select {
	case s.outbox <- msg:
	default:
		s.dropped.Add(1)
		s.logger.LogIngestEvent("export_queue_full")
	}
}

func (s *Sink) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.outbox:
			s.publish(msg)
		}
	}
}

func (s *Sink) publish(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("export marshal failed", "error", err)
		return
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		s.logger.Error("export publish failed", "error", err)
		return
	}
	s.published.Add(1)
}

// Stats returns the lifetime published and dropped counters.
func (s *Sink) Stats() (published, dropped int64) {
	return s.published.Load(), s.dropped.Load()
}

// Close stops the publish loop and closes the NATS connection. It is a
// no-op on a disabled Sink.
func (s *Sink) Close() error {
	if !s.enabled {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	s.nc.Close()
	return nil
}
