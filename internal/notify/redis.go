package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "subscription-activations:"

// Channel returns the pub/sub channel used for userID.
func Channel(userID string) string {
	return channelPrefix + userID
}

// Redis fans activations out through Redis pub/sub so every server instance
// sees webhooks processed by any other.
type Redis struct {
	client *redis.Client
	log    logrus.FieldLogger
}

// NewRedis connects to the server at rawURL and verifies it with PING.
func NewRedis(ctx context.Context, rawURL string, log logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: connect to redis: %w", err)
	}

	return NewRedisWithClient(client, log), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, log logrus.FieldLogger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{client: client, log: log.WithField("component", "notify")}
}

// Publish sends a on the user's channel.
func (r *Redis) Publish(ctx context.Context, a Activation) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("notify: encode activation: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(a.UserID), payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Subscribe listens on the user's channel. The subscription is confirmed
// before Subscribe returns so no activation published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, Channel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}

	sub := &redisSub{
		ps:   ps,
		ch:   make(chan Activation, 1),
		done: make(chan struct{}),
		log:  r.log.WithField("user_id", userID),
	}
	go sub.run()
	return sub, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Activation
	done chan struct{}
	once sync.Once
	log  logrus.FieldLogger
}

func (s *redisSub) C() <-chan Activation { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) run() {
	for msg := range s.ps.Channel() {
		var a Activation
		if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
			s.log.WithError(err).Warn("dropping malformed activation")
			continue
		}
		select {
		case s.ch <- a:
		case <-s.done:
			return
		default:
		}
	}
}
