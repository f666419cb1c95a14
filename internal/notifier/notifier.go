package notifier

import (
	"context"
	"encoding/json"
	"expvar"
	"sync/atomic"
	"time"

	"opdflow/internal/hub"
	"opdflow/internal/models"
	"opdflow/internal/store"

	"github.com/rs/zerolog"
)

var eventsPublished = expvar.NewInt("realtime_events_published_total")

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// Store is the slice of persistence the poller needs.
type Store interface {
	GetOffset(ctx context.Context) (store.Offset, error)
	UpdateOffset(ctx context.Context, offset store.Offset) error
	ListOutboxEventsSince(ctx context.Context, offset store.Offset, limit int) ([]store.OutboxEvent, error)
	CleanupOutbox(ctx context.Context, before time.Time) error
	SnapshotQueue(ctx context.Context, department string) ([]models.QueueEntry, error)
}

type Broadcaster interface {
	Broadcast(payload []byte, meta hub.Subscription)
}

type Cache interface {
	InvalidateQueue(ctx context.Context, department string) error
}

type Notifier struct {
	store     Store
	hub       Broadcaster
	cache     Cache
	logger    zerolog.Logger
	interval  time.Duration
	batchSize int
	retention time.Duration

	offset  store.Offset
	running int32
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type snapshotPayload struct {
	Department string              `json:"department"`
	Entries    []models.QueueEntry `json:"entries"`
}

func New(st Store, broadcaster Broadcaster, cache Cache, logger zerolog.Logger, options Options) *Notifier {
	interval := options.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Notifier{
		store:     st,
		hub:       broadcaster,
		cache:     cache,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		retention: options.Retention,
	}
}

// Run polls the outbox until ctx is cancelled. The durable offset makes
// delivery resume-safe across restarts; clients may see repeats after a
// crash mid-batch but never gaps.
func (n *Notifier) Run(ctx context.Context) error {
	offset, err := n.store.GetOffset(ctx)
	if err != nil {
		return err
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}
	n.offset = offset

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
				continue
			}
			if err := n.PollOnce(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("outbox poll failed")
			}
			atomic.StoreInt32(&n.running, 0)
		}
	}
}

// PollOnce drains one batch from the outbox and fans it out.
func (n *Notifier) PollOnce(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	events, err := n.store.ListOutboxEventsSince(pollCtx, n.offset, n.batchSize)
	cancel()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	touched := make(map[string]struct{})
	for _, event := range events {
		n.offset.LastEventTime = event.CreatedAt
		n.offset.LastEventID = event.EventID

		envelope, err := json.Marshal(eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt})
		if err != nil {
			continue
		}
		departments := extractDepartments(event.Payload)
		if len(departments) == 0 {
			n.hub.Broadcast(envelope, hub.Subscription{})
		}
		for _, department := range departments {
			n.hub.Broadcast(envelope, hub.Subscription{Department: department})
			touched[department] = struct{}{}
		}
		eventsPublished.Add(1)
	}

	for department := range touched {
		n.publishSnapshot(ctx, department)
	}

	updateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.store.UpdateOffset(updateCtx, n.offset); err != nil {
		return err
	}
	if n.retention > 0 {
		before := n.offset.LastEventTime.Add(-n.retention)
		if err := n.store.CleanupOutbox(updateCtx, before); err != nil {
			n.logger.Error().Err(err).Msg("cleanup outbox failed")
		}
	}
	return nil
}

func (n *Notifier) publishSnapshot(ctx context.Context, department string) {
	if n.cache != nil {
		if err := n.cache.InvalidateQueue(ctx, department); err != nil {
			n.logger.Error().Err(err).Str("department", department).Msg("invalidate queue cache failed")
		}
	}
	entries, err := n.store.SnapshotQueue(ctx, department)
	if err != nil {
		n.logger.Error().Err(err).Str("department", department).Msg("snapshot queue failed")
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	payload, err := json.Marshal(snapshotPayload{Department: department, Entries: entries})
	if err != nil {
		return
	}
	envelope, err := json.Marshal(eventEnvelope{Type: "queue.snapshot", Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	n.hub.Broadcast(envelope, hub.Subscription{Department: department})
}

func extractDepartments(payload json.RawMessage) []string {
	var meta struct {
		Departments []string `json:"departments"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil
	}
	return meta.Departments
}
