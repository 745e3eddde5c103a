package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// TaskMarkConsumed is the asynq task type carrying a MarkConsumed call.
const TaskMarkConsumed = "notifications:mark_consumed"

// MarkConsumedPayload is the task payload.
type MarkConsumedPayload struct {
	ApplicationID string `json:"application_id"`
	PartyID       string `json:"party_id"`
}

// Enqueuer is the subset of *asynq.Client used by AsynqBridge.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqBridge defers MarkConsumed to a worker through an asynq queue.
// Repeated calls for the same pair within the unique window collapse into one task.
type AsynqBridge struct {
	client    Enqueuer
	queue     string
	maxRetry  int
	uniqueTTL time.Duration
}

// AsynqOption configures an AsynqBridge.
type AsynqOption func(*AsynqBridge)

// WithQueue sets the queue name (default "default").
func WithQueue(name string) AsynqOption {
	return func(b *AsynqBridge) {
		if name != "" {
			b.queue = name
		}
	}
}

// WithMaxRetry sets the task retry budget.
func WithMaxRetry(n int) AsynqOption {
	return func(b *AsynqBridge) {
		if n >= 0 {
			b.maxRetry = n
		}
	}
}

// WithUniqueTTL sets the dedup window (0 disables dedup).
func WithUniqueTTL(d time.Duration) AsynqOption {
	return func(b *AsynqBridge) { b.uniqueTTL = d }
}

// NewAsynqBridge constructs an AsynqBridge on client.
func NewAsynqBridge(client Enqueuer, opts ...AsynqOption) (*AsynqBridge, error) {
	if client == nil {
		return nil, errors.New("notify: nil asynq client")
	}
	b := &AsynqBridge{
		client:    client,
		queue:     "default",
		maxRetry:  5,
		uniqueTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// NewMarkConsumedTask builds the task for one MarkConsumed call.
func NewMarkConsumedTask(applicationID, partyID string) (*asynq.Task, error) {
	if err := validate(applicationID, partyID); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(MarkConsumedPayload{ApplicationID: applicationID, PartyID: partyID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMarkConsumed, payload), nil
}

func (b *AsynqBridge) MarkConsumed(ctx context.Context, applicationID, partyID string) error {
	task, err := NewMarkConsumedTask(applicationID, partyID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(b.queue), asynq.MaxRetry(b.maxRetry)}
	if b.uniqueTTL > 0 {
		opts = append(opts, asynq.Unique(b.uniqueTTL))
	}

	if _, err := b.client.EnqueueContext(ctx, task, opts...); err != nil {
		// A duplicate within the unique window is already queued.
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("notify: enqueue %s: %w", TaskMarkConsumed, err)
	}
	return nil
}

// HandleMarkConsumed returns the worker-side handler applying tasks to target.
func HandleMarkConsumed(target Bridge, log *slog.Logger) asynq.HandlerFunc {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var p MarkConsumedPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// Malformed payloads never succeed on retry.
			return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := validate(p.ApplicationID, p.PartyID); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err := target.MarkConsumed(ctx, p.ApplicationID, p.PartyID); err != nil {
			log.Warn("notify.consume.fail", "application_id", p.ApplicationID, "party_id", p.PartyID, "err", err)
			return err
		}
		log.Debug("notify.consume.ok", "application_id", p.ApplicationID, "party_id", p.PartyID)
		return nil
	}
}

// RegisterConsumer binds TaskMarkConsumed on mux to target.
func RegisterConsumer(mux *asynq.ServeMux, target Bridge, log *slog.Logger) {
	mux.HandleFunc(TaskMarkConsumed, HandleMarkConsumed(target, log))
}

var _ Bridge = (*AsynqBridge)(nil)
