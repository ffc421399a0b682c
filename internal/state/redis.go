package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/stratum-proxy/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "stratum-proxy:"
	keyTotal        = keyPrefix + "stats:sessions_total"
	keyBytesUp      = keyPrefix + "stats:bytes_up"
	keyBytesDown    = keyPrefix + "stats:bytes_down"
	keyFailed       = keyPrefix + "stats:failed"
	redisOpTimeout  = 2 * time.Second
	defaultKeyTTL   = 24 * time.Hour
	defaultInterval = 30 * time.Second
)

// redisStore implements Store using Redis so totals survive restarts and are
// shared across relay instances. Live sessions are also tracked locally since
// they belong to this instance only.
type redisStore struct {
	client     *redis.Client
	mu         sync.Mutex
	sessions   map[string]SessionInfo
	closing    bool
	ready      bool
	instanceID string

	heartbeatInterval time.Duration
	keyTTL            time.Duration

	stop context.CancelFunc
	done chan struct{}
}

// NewRedisStore connects to Redis and verifies the connection with PING.
// Maintenance runs until ctx is cancelled or Close is called; either way the
// instance's session keys are removed before the client is closed.
func NewRedisStore(ctx context.Context, addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := &redisStore{
		client:            rdb,
		sessions:          make(map[string]SessionInfo),
		instanceID:        "stratum-proxy-" + NewSessionID(8),
		heartbeatInterval: defaultInterval,
		keyTTL:            defaultKeyTTL,
		done:              make(chan struct{}),
	}
	mctx, stop := context.WithCancel(ctx)
	s.stop = stop
	go s.startMaintenance(mctx)
	return s, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

// Close stops maintenance and waits for the shutdown cleanup to finish.
func (r *redisStore) Close(ctx context.Context) error {
	r.stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("redis cleanup: %w", ctx.Err())
	}
}

func (r *redisStore) sessionKey(id string) string { return keyPrefix + "session:" + id }
func (r *redisStore) instanceKey() string         { return keyPrefix + "instance:" + r.instanceID }

func (r *redisStore) SessionOpened(info SessionInfo) {
	r.mu.Lock()
	r.sessions[info.ID] = info
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.sessionKey(info.ID), map[string]any{
		"client":   info.Client,
		"started":  info.Started.UTC().Format(time.RFC3339Nano),
		"instance": r.instanceID,
	})
	pipe.Expire(ctx, r.sessionKey(info.ID), r.keyTTL)
	pipe.SAdd(ctx, r.instanceKey(), info.ID)
	pipe.Expire(ctx, r.instanceKey(), r.keyTTL)
	pipe.Incr(ctx, keyTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session_opened", obs.Fields{"err": err.Error(), "id": info.ID})
	}
}

func (r *redisStore) SessionClosed(res SessionResult) {
	r.mu.Lock()
	delete(r.sessions, res.ID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(res.ID))
	pipe.SRem(ctx, r.instanceKey(), res.ID)
	pipe.IncrBy(ctx, keyBytesUp, res.BytesUp)
	pipe.IncrBy(ctx, keyBytesDown, res.BytesDown)
	if res.Failed {
		pipe.Incr(ctx, keyFailed)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.session_closed", obs.Fields{"err": err.Error(), "id": res.ID})
	}
}

// Snapshot reports local live sessions and the shared totals.
func (r *redisStore) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{Active: len(r.sessions)}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	vals, err := r.client.MGet(ctx, keyTotal, keyBytesUp, keyBytesDown, keyFailed).Result()
	if err != nil {
		obs.Error("redis.snapshot", obs.Fields{"err": err.Error()})
		return snap
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // missing key
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			obs.Error("redis.snapshot.parse", obs.Fields{"err": err.Error(), "value": s})
			continue
		}
		nums[i] = n
	}
	snap.TotalSessions, snap.BytesUp, snap.BytesDown, snap.Failed = nums[0], nums[1], nums[2], nums[3]
	return snap
}

// startMaintenance periodically extends the TTL of keys owned by this instance.
func (r *redisStore) startMaintenance(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.cleanup()
			_ = r.client.Close()
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *redisStore) heartbeat() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, r.sessionKey(id), r.keyTTL)
	}
	pipe.Expire(ctx, r.instanceKey(), r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

// cleanup removes this instance's session keys on shutdown.
func (r *redisStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	ids, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil && err != redis.Nil {
		obs.Error("redis.cleanup", obs.Fields{"err": err.Error()})
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.sessionKey(id))
	}
	pipe.Del(ctx, r.instanceKey())
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.cleanup", obs.Fields{"err": err.Error()})
	}
}
