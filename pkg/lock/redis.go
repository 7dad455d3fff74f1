package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	keyPrefix           = "testcontent:lock:"
	defaultPollInterval = time.Second
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every build that uses the same redis server.
type Redis struct {
	client       *redis.Client
	owner        string
	pollInterval time.Duration
}

// NewRedis returns a locker owned by owner, usually "<build>:<server>".
func NewRedis(client *redis.Client, owner string) *Redis {
	return &Redis{client: client, owner: owner, pollInterval: defaultPollInterval}
}

func key(name string) string {
	return keyPrefix + name
}

func (r *Redis) TryLock(ctx context.Context, names []string, ttl time.Duration) error {
	c := r.client.WithContext(ctx)
	var acquired []string
	for _, name := range normalize(names) {
		ok, err := c.SetNX(key(name), r.owner, ttl).Result()
		if err != nil {
			_ = r.Unlock(ctx, acquired)
			return errors.Wrapf(err, "lock %s", name)
		}
		if !ok {
			holder, _ := c.Get(key(name)).Result()
			if holder == r.owner {
				// re-entrant: extend our own lock
				c.Expire(key(name), ttl)
				acquired = append(acquired, name)
				continue
			}
			_ = r.Unlock(ctx, acquired)
			return errors.Wrapf(ErrUnavailable, "%s is locked by %s", name, holder)
		}
		acquired = append(acquired, name)
	}
	return nil
}

func (r *Redis) Unlock(ctx context.Context, names []string) error {
	c := r.client.WithContext(ctx)
	for _, name := range normalize(names) {
		if err := unlockScript.Run(c, []string{key(name)}, r.owner).Err(); err != nil {
			return errors.Wrapf(err, "unlock %s", name)
		}
	}
	return nil
}

func (r *Redis) Wait(ctx context.Context, names []string, max time.Duration) error {
	names = normalize(names)
	ctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, key(n))
	}
	for {
		if len(keys) == 0 {
			return nil
		}
		n, err := r.client.WithContext(ctx).Exists(keys...).Result()
		if err == nil && n == 0 {
			return nil
		}
		if err := sleep(ctx, r.pollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}
