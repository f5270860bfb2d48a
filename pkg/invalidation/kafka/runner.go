// Package kafka consumes invalidation events from a Kafka topic and applies
// them to the shared cache.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ternlabs/osm-proxy/internal/invalidation"
)

// Applier carries out one decoded event.
type Applier interface {
	Apply(ctx context.Context, source string, ev invalidation.Event) (int, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	applier  Applier
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// DedupeSize bounds the number of targets remembered for replay detection.
	DedupeSize int
}

func New(cfg InvalidationConfig, a Applier, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 8192
	}
	return &Runner{
		log:     opts.Logger.With("component", "invalidation-runner"),
		cfg:     cfg,
		applier: a,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(opts.DedupeSize),
		assign:  map[int32]struct{}{},
	}
}

// Start joins the consumer group and returns; consumption runs until ctx ends
// or Stop is called. A disabled runner returns nil without connecting.
func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Active() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.applier == nil {
		return errors.New("kafka runner: applier is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "osm-proxy"
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
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup:   r.onAssign,
		cleanup: func(sarama.ConsumerGroupSession) { r.onAssign(nil) },
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

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// onAssign replaces the partition set; a nil session clears it.
func (r *Runner) onAssign(sess sarama.ConsumerGroupSession) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assign = map[int32]struct{}{}
	if sess == nil {
		r.assigned.Store(false)
		return
	}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assigned.Store(true)
}

// Readiness reports whether the group has handed this instance partitions.
// A disabled runner is always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Active() {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return true, partitions
}

// handleMessage returns an error only for failures worth redelivering. Messages
// that can never apply are counted and skipped so they do not block the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	defer func() { r.ms.duration.Observe(time.Since(start).Seconds()) }()

	if !msg.Timestamp.IsZero() {
		r.ms.lag.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.messages.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping undecodable invalidation", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.messages.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping invalid invalidation", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}

	target, v := ev.Target(), ev.OrderVersion()
	if v > 0 && r.ver.stale(target, v) {
		r.ms.actions.WithLabelValues("skip_version").Inc()
		r.ms.messages.WithLabelValues("skipped").Inc()
		return nil
	}

	n, err := r.applier.Apply(ctx, invalidation.SourceKafka, ev)
	switch {
	case errors.Is(err, invalidation.ErrNotCacheable), errors.Is(err, invalidation.ErrNoIndex),
		errors.Is(err, invalidation.ErrAreaTooLarge):
		r.ms.messages.WithLabelValues("skipped").Inc()
		r.log.Warn("invalidation not applicable", "target", target, "err", err)
		return nil
	case err != nil:
		r.ms.messages.WithLabelValues("error").Inc()
		return fmt.Errorf("apply %s: %w", target, err)
	}

	if v > 0 {
		r.ver.applied(target, v)
	}
	r.ms.actions.WithLabelValues("delete").Add(float64(n))
	r.ms.messages.WithLabelValues("ok").Inc()
	return nil
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
