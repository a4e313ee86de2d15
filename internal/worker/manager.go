package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradechat/internal/models"
	"tradechat/internal/redis"
	"tradechat/internal/service/ai"
)

const (
	defaultQueueSize = 64
	defaultClaimTTL  = 2 * time.Minute
)

var (
	// ErrReplyInFlight rejects a second reply request for a session whose
	// previous one has not finished.
	ErrReplyInFlight = errors.New("a reply is already being generated for this session")
	// ErrJobCanceled is returned to callers whose job, queued or running, was
	// stopped by CancelUser.
	ErrJobCanceled = errors.New("generation canceled")
)

// Responder produces the assistant's reply text.
type Responder interface {
	GenerateReply(ctx context.Context, req ai.ReplyRequest) (string, error)
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	// ClaimTTL bounds how long a session stays locked by one reply.
	ClaimTTL time.Duration
}

type GenerateRequest struct {
	Session  *models.Session
	History  []*models.Message
	UserText string
}

// Manager runs reply generation on a bounded pool, at most one reply per
// session at a time. With Redis attached the per-session claim and user
// cancellation span every server instance.
type Manager struct {
	responder  Responder
	dispatcher *Dispatcher
	logger     *zap.Logger
	shared     *stateRedis
	claimTTL   time.Duration
	instance   string

	mu    sync.Mutex
	state map[int64]*userState
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRedis shares session claims and cancellations through client.
func WithRedis(client *redis.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.shared = newStateCache(client, m.instance)
		}
	}
}

func NewManager(responder Responder, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		responder: responder,
		logger:    zap.NewNop(),
		claimTTL:  cfg.ClaimTTL,
		instance:  uuid.NewString(),
		state:     make(map[int64]*userState),
	}
	if m.claimTTL <= 0 {
		m.claimTTL = defaultClaimTTL
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.shared != nil {
		m.shared.logger = m.logger
		m.shared.startListener(func(msg cancelMessage) {
			m.cancelLocal(msg.UserID)
		})
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.WorkerIdleTimeout)
	return m
}

// Generate queues a reply job for req.Session and waits for its result or for
// ctx to end. The session stays claimed until the worker is done with the job,
// even when Generate has already returned because ctx ended.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.Session == nil || req.Session.ID <= 0 {
		return "", errors.New("session is required")
	}
	userID, sessionID := req.Session.UserID, req.Session.ID
	jobID := uuid.NewString()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !m.claimLocal(userID, sessionID, jobID, cancel) {
		return "", ErrReplyInFlight
	}
	sharedHeld := false
	release := sync.OnceFunc(func() {
		m.releaseState(userID, sessionID, jobID)
		if sharedHeld {
			m.shared.release(context.Background(), sessionID, jobID)
		}
	})

	if m.shared != nil {
		ok, err := m.shared.claim(ctx, sessionID, jobID, m.claimTTL)
		switch {
		case err != nil:
			m.logger.Warn("shared reply claim unavailable", zap.Int64("session_id", sessionID), zap.Error(err))
		case !ok:
			release()
			return "", ErrReplyInFlight
		default:
			sharedHeld = true
		}
	}

	resultCh := make(chan workerReturn, 1)
	job := Job{
		ID:     jobID,
		Type:   Generate,
		UserID: userID,
		task:   &generateTask{ctx: jobCtx, req: req, resultCh: resultCh, done: release},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		release()
		return "", err
	}
	m.debug("job queued", zap.String("job_id", jobID), zap.Int64("session_id", sessionID))

	select {
	case ret := <-resultCh:
		return ret.reply, ret.err
	case <-jobCtx.Done():
		if errors.Is(context.Cause(jobCtx), ErrJobCanceled) {
			return "", ErrJobCanceled
		}
		return "", ctx.Err()
	case <-m.dispatcher.quit:
		release()
		return "", ErrDispatcherClosed
	}
}

// CancelUser stops the user's replies here and, with Redis attached, on every
// other instance. Queued jobs are dropped and running ones have their context
// canceled. Used on logout.
func (m *Manager) CancelUser(userID int64) {
	m.cancelLocal(userID)
	if m.shared != nil {
		m.shared.publishCancel(cancelMessage{UserID: userID, Origin: m.instance})
	}
}

func (m *Manager) cancelLocal(userID int64) {
	dropped := m.dispatcher.CancelUser(userID)
	for _, job := range dropped {
		m.fail(job, ErrJobCanceled)
	}

	m.mu.Lock()
	state := m.state[userID]
	m.mu.Unlock()
	running := 0
	if state != nil {
		running = state.cancelAll(ErrJobCanceled)
	}
	if len(dropped) > 0 || running > 0 {
		m.logger.Info("canceled replies",
			zap.Int64("user_id", userID),
			zap.Int("dropped", len(dropped)),
			zap.Int("running", running))
	}
}

// Close stops the dispatcher and the Redis listener.
func (m *Manager) Close() {
	m.dispatcher.Close()
	if m.shared != nil {
		m.shared.close()
	}
}

func (m *Manager) handleGenerate(job Job) {
	task := job.task
	if task == nil {
		return
	}
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.finish(workerReturn{err: canceledErr(ctx, err)})
		return
	}
	start := time.Now()
	reply, err := m.responder.GenerateReply(ctx, ai.ReplyRequest{
		Session:  task.req.Session,
		History:  task.req.History,
		UserText: task.req.UserText,
	})
	m.debug("job done",
		zap.String("job_id", job.ID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil))
	if err != nil {
		err = canceledErr(ctx, err)
	}
	task.finish(workerReturn{reply: reply, err: err})
}

func (m *Manager) fail(job Job, err error) {
	if job.task != nil {
		job.task.finish(workerReturn{err: err})
	}
}

// canceledErr reports ErrJobCanceled for jobs stopped by CancelUser.
func canceledErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrJobCanceled) {
		return ErrJobCanceled
	}
	return err
}

func (m *Manager) claimLocal(userID, sessionID int64, jobID string, cancel context.CancelCauseFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		state = newUserState()
		m.state[userID] = state
	}
	return state.claim(sessionID, jobID, cancel)
}

func (m *Manager) releaseState(userID, sessionID int64, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		return
	}
	if state.release(sessionID, jobID) == 0 {
		delete(m.state, userID)
	}
}
