package broadcast

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

const redisPrefix = "widgetchat:broadcast:"

// Redis uses PUBLISH / PSUBSCRIBE so every API replica sees every event.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, redisPrefix+env.Channel, data).Err()
}

func (r *Redis) Start(ctx context.Context, sink Sink) error {
	ps := r.rdb.PSubscribe(ctx, redisPrefix+"*")
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decode([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping malformed broadcast", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Channel == "" {
					env.Channel = strings.TrimPrefix(msg.Channel, redisPrefix)
				}
				sink(env)
			}
		}
	}()
	return nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Close is a no-op: the client is owned by whoever created it.
func (r *Redis) Close() error { return nil }
