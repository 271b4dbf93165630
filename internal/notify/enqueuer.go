package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

// TypeNotificationUpsert is the task consumed by the notification service.
const TypeNotificationUpsert = "notification:upsert"

const (
	defaultQueue    = "notifications"
	defaultMaxRetry = 5
	defaultDebounce = 3 * time.Second
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Options tune how notification tasks are scheduled.
type Options struct {
	Queue    string
	Debounce time.Duration
	MaxRetry int
}

// Enqueuer hands notification requests to the notification service through asynq.
// Requests sharing a collapse key and recipient within one debounce window
// collapse into the task of that window, which runs once the window has closed.
type Enqueuer struct {
	client taskEnqueuer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewClient opens an asynq client for the given redis URL.
func NewClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// NewEnqueuer constructs an Enqueuer.
func NewEnqueuer(client taskEnqueuer, opts Options, logger *slog.Logger) *Enqueuer {
	if opts.Queue == "" {
		opts.Queue = defaultQueue
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = defaultMaxRetry
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{client: client, opts: opts, logger: logger.With("component", "notify"), now: time.Now}
}

// TaskID is the uniqueness key for a notification requested at `at`. Ids are
// scoped to the debounce window containing at, so a finished or archived task
// never blocks notifications of a later window.
func TaskID(req models.NotificationRequest, at time.Time, window time.Duration) string {
	if req.CollapseKey == "" {
		return ""
	}
	bucket := at.Truncate(window).Unix()
	return fmt.Sprintf("notify:%s:%s:%d", req.CollapseKey, req.Recipient, bucket)
}

// Notify enqueues req. A request collapsed into an already pending task is not an error.
func (e *Enqueuer) Notify(ctx context.Context, req models.NotificationRequest) error {
	if req.Recipient == "" {
		return errors.New("notify: recipient is required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	now := e.now()
	windowEnd := now.Truncate(e.opts.Debounce).Add(e.opts.Debounce)
	opts := []asynq.Option{
		asynq.Queue(e.opts.Queue),
		asynq.MaxRetry(e.opts.MaxRetry),
		asynq.ProcessAt(windowEnd),
	}
	if id := TaskID(req, now, e.opts.Debounce); id != "" {
		opts = append(opts, asynq.TaskID(id))
	}

	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(TypeNotificationUpsert, payload), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		observability.IncNotification("collapsed")
		e.logger.Debug("notification collapsed", "recipient", req.Recipient, "collapse_key", req.CollapseKey)
		return nil
	case err != nil:
		observability.IncNotification("error")
		return fmt.Errorf("notify: enqueue: %w", err)
	}

	observability.IncNotification("enqueued")
	e.logger.Debug("notification enqueued", "task_id", info.ID, "recipient", req.Recipient)
	return nil
}
