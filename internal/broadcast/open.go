package broadcast

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open builds the broadcaster for driver ("local", "redis" or "nats"). rdb is
// only used by the redis driver and natsURL only by the nats driver.
func Open(driver string, rdb *redis.Client, natsURL string, logger *zap.Logger) (Broadcaster, error) {
	switch driver {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("broadcast: redis driver needs a redis client")
		}
		return NewRedis(rdb, logger), nil
	case "nats":
		return DialNATS(natsURL, logger)
	default:
		return nil, fmt.Errorf("broadcast: unsupported driver %q", driver)
	}
}
