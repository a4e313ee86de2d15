package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradechat/internal/redis"
)

const (
	redisCancelChannel = "worker:cancel"
	redisClaimPrefix   = "worker:reply:"
)

// releaseScript deletes the claim only while it still belongs to the job.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type cancelMessage struct {
	UserID int64  `json:"user_id"`
	Origin string `json:"origin"`
}

type stateRedis struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
}

func newStateCache(client *redis.Client, instance string) *stateRedis {
	return &stateRedis{client: client, instance: instance, logger: zap.NewNop()}
}

func claimKey(sessionID int64) string {
	return fmt.Sprintf("%s%d", redisClaimPrefix, sessionID)
}

// claim takes the cross-instance lock for one reply on the session.
func (r *stateRedis) claim(ctx context.Context, sessionID int64, jobID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, claimKey(sessionID), jobID, ttl)
}

func (r *stateRedis) release(ctx context.Context, sessionID int64, jobID string) {
	if err := r.client.Run(ctx, releaseScript, []string{claimKey(sessionID)}, jobID); err != nil {
		r.logger.Warn("release reply claim failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

// startListener handles cancellations published by other instances.
func (r *stateRedis) startListener(handler func(cancelMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	pubsub := r.client.Subscribe(context.Background(), redisCancelChannel)
	if pubsub == nil {
		return
	}
	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()
	go func() {
		for msg := range pubsub.Channel() {
			var cm cancelMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				r.logger.Warn("worker cancel decode failed", zap.Error(err))
				continue
			}
			if cm.Origin == r.instance {
				continue
			}
			handler(cm)
		}
	}()
}

func (r *stateRedis) publishCancel(msg cancelMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("worker cancel marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), redisCancelChannel, payload); err != nil {
		r.logger.Warn("worker publish cancel failed", zap.Error(err))
	}
}

func (r *stateRedis) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		r.pubsub.Close()
		r.pubsub = nil
	}
}
