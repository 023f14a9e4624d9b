// Package redisremote implements backend.Remote on Redis.
//
// Each value lives in a hash holding the payload (v) and its tag (t). Writes
// WATCH the hash and commit in MULTI so that a concurrent writer makes the
// transaction fail, which surfaces as backend.ErrRetry. Every write is
// announced on a per-user pub/sub channel.
package redisremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
)

const defaultPrefix = "speakerbox:"

type Options struct {
	Prefix string
	Logger *slog.Logger
}

type Remote struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	state  *watch.Value[backend.SignedInState]
}

var (
	_ backend.Remote   = (*Remote)(nil)
	_ backend.Notifier = (*Remote)(nil)
)

func New(client *redis.Client, opts Options) *Remote {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Remote{
		client: client,
		prefix: opts.Prefix,
		logger: opts.Logger,
		state:  watch.New(backend.SignedInState{Kind: backend.SignedOut}),
	}
}

// NewFromURL parses a redis:// url and connects.
func NewFromURL(ctx context.Context, redisURL string, opts Options) (*Remote, error) {
	o, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, opts), nil
}

func (r *Remote) Close() error {
	return r.client.Close()
}

// SignIn checks the connection and marks user as signed in, or the remote as
// offline when redis cannot be reached.
func (r *Remote) SignIn(ctx context.Context, user model.UserID) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Warn("redis unreachable", "err", err)
		r.state.Set(backend.SignedInState{Kind: backend.Offline})
		return fmt.Errorf("%w: %v", backend.ErrOffline, err)
	}
	r.state.Set(backend.SignedInAs(user))
	return nil
}

func (r *Remote) SignOut() {
	r.state.Set(backend.SignedInState{Kind: backend.SignedOut})
}

func (r *Remote) SignedIn() *watch.Value[backend.SignedInState] {
	return r.state
}

func (r *Remote) user() (model.UserID, error) {
	s := r.state.Get()
	switch {
	case s.IsSignedIn():
		return s.User, nil
	case s.Kind == backend.Offline:
		return "", backend.ErrOffline
	default:
		return "", backend.ErrSignedOut
	}
}

func (r *Remote) stateKey(user model.UserID, key string) string {
	return r.prefix + "user:" + string(user) + ":state:" + key
}

func (r *Remote) keysKey(user model.UserID) string {
	return r.prefix + "user:" + string(user) + ":keys"
}

func (r *Remote) channel(user model.UserID) string {
	return r.prefix + "user:" + string(user) + ":changes"
}

func (r *Remote) GetState(ctx context.Context, key string) (backend.Entry, bool, error) {
	user, err := r.user()
	if err != nil {
		return backend.Entry{}, false, err
	}
	vals, err := r.client.HMGet(ctx, r.stateKey(user, key), "v", "t").Result()
	if err != nil {
		return backend.Entry{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	value, ok := vals[0].(string)
	if !ok {
		return backend.Entry{}, false, nil
	}
	tag, _ := vals[1].(string)
	return backend.Entry{Value: []byte(value), Tag: tag}, true, nil
}

func (r *Remote) publish(ctx context.Context, pipe redis.Pipeliner, user model.UserID, n backend.Notice) {
	raw, err := json.Marshal(n)
	if err != nil {
		r.logger.Error("failed to encode notice", "err", err)
		return
	}
	pipe.Publish(ctx, r.channel(user), raw)
}

func (r *Remote) SetState(ctx context.Context, key string, value []byte, tag string) (string, error) {
	user, err := r.user()
	if err != nil {
		return "", err
	}
	k := r.stateKey(user, key)
	newTag := uuid.NewString()
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, "t").Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		if err := backend.CheckTag(tag, current, exists); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "v", value, "t", newTag)
			pipe.SAdd(ctx, r.keysKey(user), key)
			r.publish(ctx, pipe, user, backend.Notice{Key: key, Tag: newTag})
			return nil
		})
		return err
	}, k)
	switch {
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, backend.ErrRetry):
		return "", fmt.Errorf("%w: key %s", backend.ErrRetry, key)
	case err != nil:
		return "", fmt.Errorf("failed to set %s: %w", key, err)
	}
	return newTag, nil
}

func (r *Remote) DeleteState(ctx context.Context, key string) error {
	user, err := r.user()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.stateKey(user, key))
		pipe.SRem(ctx, r.keysKey(user), key)
		r.publish(ctx, pipe, user, backend.Notice{Key: key, Deleted: true})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *Remote) GetStateKeys(ctx context.Context) ([]string, error) {
	user, err := r.user()
	if err != nil {
		return nil, err
	}
	keys, err := r.client.SMembers(ctx, r.keysKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Changes subscribes to the notices of the signed in user.
func (r *Remote) Changes(ctx context.Context) (<-chan backend.Notice, error) {
	user, err := r.user()
	if err != nil {
		return nil, err
	}
	sub := r.client.Subscribe(ctx, r.channel(user))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	out := make(chan backend.Notice)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n backend.Notice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.logger.Warn("dropping malformed notice", "err", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
