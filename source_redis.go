package swapsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisChannel is the pub/sub channel carrying changes for table rows
// matching filter, e.g. "realtime:messages:conversation_id=eq.17".
func RedisChannel(table string, f Filter) string {
	return fmt.Sprintf("realtime:%s:%s", table, f.String())
}

// RedisSource serves topic feeds from Redis pub/sub. The backend publishes
// every committed change on the channel of each filter it matches.
type RedisSource struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisSource wraps an existing client.
func NewRedisSource(client *redis.Client, log *zap.Logger) *RedisSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSource{client: client, log: log}
}

// NewRedisClient connects to a single Redis node and pings it.
func NewRedisClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

type redisFeed struct {
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open subscribes the topic channel and waits for the subscription reply.
func (r *RedisSource) Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error) {
	channel := RedisChannel(topic.Table, topic.Filter)
	sub := r.client.Subscribe(context.Background(), channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	feed := &redisFeed{sub: sub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(feed.done)
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					if loopCtx.Err() == nil {
						feed.once.Do(func() { fail(ErrSourceClosed) })
					}
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					r.log.Warn("malformed change event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				ev.Filter = topic.Filter.String()
				deliver(ev)
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return feed, nil
}

func (f *redisFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.sub.Close()
	})
	return err
}

// Publish broadcasts ev on the channel of filter. Backends and tests use it.
func (r *RedisSource) Publish(ctx context.Context, f Filter, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, RedisChannel(ev.Table, f), data).Err()
}

// ============================================================================
// Redis beacon
// ============================================================================

// RedisBeacon is a BestEffortSender that writes the presence row to a Redis
// hash and publishes the change, without waiting for either reply.
type RedisBeacon struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisBeacon(client *redis.Client, log *zap.Logger) *RedisBeacon {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBeacon{client: client, ttl: 24 * time.Hour, log: log}
}

func presenceKey(userID string) string { return "presence:" + userID }

// SendBeacon queues the write and returns immediately.
func (b *RedisBeacon) SendBeacon(userID string, update *PresenceUpdate) bool {
	row := PresenceRecord{UserID: userID, Status: update.Status, LastSeen: update.LastSeen}
	ev, err := NewChangeEvent(EventUpdate, TablePresence, row)
	if err != nil {
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, presenceKey(userID), "status", string(row.Status), "last_seen", row.LastSeen.Format(time.RFC3339Nano))
		pipe.Expire(ctx, presenceKey(userID), b.ttl)
		pipe.Publish(ctx, RedisChannel(TablePresence, Filter{Column: "user_id", Value: userID}), data)
		if _, err := pipe.Exec(ctx); err != nil {
			b.log.Warn("presence beacon failed",
				zap.String("user_id", userID),
				zap.String("status", string(row.Status)),
				zap.Error(err))
		}
	}()
	return true
}
