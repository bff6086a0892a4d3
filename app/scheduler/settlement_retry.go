package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeSettlementRetry is the asynq task type of a settlement retry
const TypeSettlementRetry = utils.SettlementRetryTask

const (
	defaultRetryQueue = "settlement"
	defaultMaxRetry   = 10
	defaultRetryDelay = 30 * time.Second
)

// SettlementRetryPayload is the body of a settlement retry task
type SettlementRetryPayload struct {
	Token string `json:"token"`
}

// Enqueuer enqueues asynq tasks
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SettlementRetryQueue schedules settlement retries through asynq.
// The task id is the session token, so a token is queued at most once at a time.
type SettlementRetryQueue struct {
	client   Enqueuer
	queue    string
	maxRetry int
	delay    time.Duration
	logger   *zap.Logger
}

func NewSettlementRetryQueue(client Enqueuer, cfg config.SettlementConfig, logger *zap.Logger) *SettlementRetryQueue {
	q := &SettlementRetryQueue{
		client:   client,
		queue:    cfg.RetryQueue,
		maxRetry: cfg.MaxRetry,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}
	if q.queue == "" {
		q.queue = defaultRetryQueue
	}
	if q.maxRetry <= 0 {
		q.maxRetry = defaultMaxRetry
	}
	if q.delay <= 0 {
		q.delay = defaultRetryDelay
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	return q
}

// NewSettlementRetryTask builds the asynq task for token
func NewSettlementRetryTask(token string) (*asynq.Task, error) {
	payload, err := json.Marshal(SettlementRetryPayload{Token: token})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSettlementRetry, payload), nil
}

// EnqueueSettlementRetry implements businessflow.SettlementRetryQueue
func (q *SettlementRetryQueue) EnqueueSettlementRetry(ctx context.Context, token string) error {
	task, err := NewSettlementRetryTask(token)
	if err != nil {
		return fmt.Errorf("failed to build settlement retry task: %w", err)
	}

	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(token),
		asynq.Queue(q.queue),
		asynq.MaxRetry(q.maxRetry),
		asynq.ProcessIn(q.delay),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			// the earlier task may be pending, or archived after exhausting its retries
			q.logger.Warn("settlement retry not queued, task id taken; ops retry needed if the session stays unsettled",
				zap.String("token", token),
				zap.String("queue", q.queue),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to enqueue settlement retry: %w", err)
	}

	q.logger.Info("settlement retry queued",
		zap.String("token", token),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return nil
}

// SettlementRetryHandler runs queued settlement retries
type SettlementRetryHandler struct {
	settlement businessflow.SettlementEngine
	logger     *zap.Logger
}

func NewSettlementRetryHandler(settlement businessflow.SettlementEngine, logger *zap.Logger) *SettlementRetryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementRetryHandler{settlement: settlement, logger: logger}
}

// ProcessTask implements asynq.Handler
func (h *SettlementRetryHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SettlementRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Token == "" {
		return fmt.Errorf("missing token: %w", asynq.SkipRetry)
	}

	log := h.logger.With(
		zap.String("task_type", t.Type()),
		zap.String("token", payload.Token))

	result, err := h.settlement.Settle(ctx, payload.Token)
	if err != nil {
		// unknown or unfinished sessions will not become settleable by retrying
		if businessflow.IsNotFound(err) || errors.Is(err, businessflow.ErrSessionNotCompleted) {
			log.Warn("settlement retry dropped", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		log.Error("settlement retry failed", zap.Error(err))
		return err
	}

	log.Info("settlement retry succeeded",
		zap.String("offer_id", result.OfferID),
		zap.Bool("already_settled", result.AlreadySettled))
	return nil
}

// NewSettlementWorker builds the asynq server that drains the retry queue
func NewSettlementWorker(redisOpt asynq.RedisConnOpt, cfg config.SettlementConfig, logger *zap.Logger) *asynq.Server {
	queue := cfg.RetryQueue
	if queue == "" {
		queue = defaultRetryQueue
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues:         map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})
}

// NewSettlementMux routes settlement retry tasks to h
func NewSettlementMux(h *SettlementRetryHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSettlementRetry, h)
	return mux
}
