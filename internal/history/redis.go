package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLedger keeps two keys per prefix: a list holding every record line in
// append order, and a set of addresses for membership.
type redisLedger struct {
	client  redis.UniversalClient
	listKey string
	setKey  string
}

// OpenRedis connects to url (redis:// or rediss://), retrying the initial
// ping with a linear backoff.
func OpenRedis(ctx context.Context, url, prefix string) (Ledger, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, fmt.Errorf("history: redis url must start with redis:// or rediss://")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("history: redis parse url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client, err := connectRedis(ctx, opts, 3, time.Second)
	if err != nil {
		return nil, err
	}
	return newRedisLedger(client, prefix), nil
}

func newRedisLedger(client redis.UniversalClient, prefix string) *redisLedger {
	if prefix == "" {
		prefix = "massmail"
	}
	return &redisLedger{
		client:  client,
		listKey: prefix + ":history:log",
		setKey:  prefix + ":history:set",
	}
}

func connectRedis(ctx context.Context, opts *redis.Options, attempts int, interval time.Duration) (redis.UniversalClient, error) {
	var lastErr error
	for i := range max(attempts, 1) {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, fmt.Errorf("history: redis connect: %w", lastErr)
}

func (l *redisLedger) Contains(ctx context.Context, email string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.setKey, Normalize(email)).Result()
	if err != nil {
		return false, fmt.Errorf("history: redis contains: %w", err)
	}
	return ok, nil
}

func (l *redisLedger) Record(ctx context.Context, e Entry) error {
	e = stamp(e)
	if e.Email == "" {
		return ErrEmptyAddress
	}
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, l.listKey, FormatLine(e))
		p.SAdd(ctx, l.setKey, e.Email)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: redis record: %w", err)
	}
	return nil
}

func (l *redisLedger) List(ctx context.Context, fn func(Entry) error) error {
	const page = 500
	for start := int64(0); ; start += page {
		lines, err := l.client.LRange(ctx, l.listKey, start, start+page-1).Result()
		if err != nil {
			return fmt.Errorf("history: redis list: %w", err)
		}
		for _, line := range lines {
			e, ok := ParseLine(line)
			if !ok {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(lines) < page {
			return nil
		}
	}
}

func (l *redisLedger) known(ctx context.Context, emails []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(emails) == 0 {
		return found, nil
	}
	members := make([]any, len(emails))
	for i, e := range emails {
		members[i] = e
	}
	hits, err := l.client.SMIsMember(ctx, l.setKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("history: redis lookup: %w", err)
	}
	for i, hit := range hits {
		if hit {
			found[emails[i]] = true
		}
	}
	return found, nil
}

func (l *redisLedger) Close() error {
	return l.client.Close()
}
