package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) Activation {
	t.Helper()
	select {
	case a := <-sub.C():
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no activation received")
	}
	return Activation{}
}

func TestMemoryDeliversToMatchingUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mine, err := m.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	defer mine.Close()
	other, err := m.Subscribe(ctx, "user-2")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, m.Publish(ctx, Activation{UserID: "user-1", PriceID: "price_a"}))

	got := receive(t, mine)
	assert.Equal(t, "price_a", got.PriceID)
	assert.False(t, got.At.IsZero())

	select {
	case a := <-other.C():
		t.Fatalf("unexpected activation for other user: %+v", a)
	default:
	}
}

func TestMemoryCloseStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, m.Publish(ctx, Activation{UserID: "user-1"}))
	select {
	case <-sub.C():
		t.Fatal("closed subscription received activation")
	default:
	}

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(ctx, Activation{UserID: "user-1"}), ErrClosed)
	_, err = m.Subscribe(ctx, "user-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisPublishSubscribe(t *testing.T) {
	r, _ := setupRedis(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Publish(ctx, Activation{UserID: "user-1", PriceID: "price_a", StripeSubscriptionID: "sub_1"}))

	got := receive(t, sub)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "sub_1", got.StripeSubscriptionID)
}

func TestRedisUsesPerUserChannel(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	defer sub.Close()

	assert.Contains(t, mr.PubSubChannels(""), Channel("user-1"))

	require.NoError(t, r.Publish(ctx, Activation{UserID: "user-2"}))
	select {
	case a := <-sub.C():
		t.Fatalf("unexpected activation: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url", nil)
	assert.Error(t, err)
}
