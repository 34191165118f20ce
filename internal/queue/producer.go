package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/platelog/internal/models"
)

const (
	SyncStreamName    = "SYNC"
	SyncSubject       = "sync.trigger"
	EventsStreamName  = "EVENTS"
	EventsSubjectBase = "events"
	VehicleLogSubject = EventsSubjectBase + ".vehicle_logs"
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// StreamConfigs returns the stream definitions. Sync triggers with the same
// message id inside dupWindow are dropped by the server.
func StreamConfigs(dupWindow time.Duration) []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:        SyncStreamName,
			Subjects:    []string{SyncSubject},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      10 * time.Minute,
			MaxMsgs:     1000,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  dupWindow,
			Description: "Alarm sync run requests",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubjectBase + ".>"},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Vehicle log events",
		},
	}
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context, dupWindow time.Duration) error {
	streams := StreamConfigs(dupWindow)

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// TriggerMsgID buckets trigger requests by window so that repeated requests
// within one window collapse into a single pending run.
func TriggerMsgID(now time.Time, window time.Duration) string {
	if window <= 0 {
		return fmt.Sprintf("sync-%d", now.UnixNano())
	}
	return fmt.Sprintf("sync-%d", now.Truncate(window).Unix())
}

// PublishSyncTrigger requests a sync run. duplicate is true when the stream
// already held a trigger with the same message id.
func (p *Producer) PublishSyncTrigger(ctx context.Context, trigger models.SyncTrigger, window time.Duration) (duplicate bool, err error) {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return false, fmt.Errorf("marshal sync trigger: %w", err)
	}

	ack, err := p.js.Publish(ctx, SyncSubject, payload, jetstream.WithMsgID(TriggerMsgID(trigger.RequestedAt, window)))
	if err != nil {
		return false, fmt.Errorf("publish sync trigger: %w", err)
	}
	return ack.Duplicate, nil
}

// PublishVehicleLog publishes a vehicle log event.
func (p *Producer) PublishVehicleLog(ctx context.Context, ev models.VehicleLogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, VehicleLogSubject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PendingTriggers returns the number of unconsumed messages in the SYNC stream.
func (p *Producer) PendingTriggers(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, SyncStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
