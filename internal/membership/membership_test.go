package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_AddRemove(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(map[string][]string{"orders": {"Alice", "bob"}})

	ok, err := s.IsValidSubscriber(ctx, "orders", "alice")
	require.NoError(t, err)
	assert.True(t, ok, "addresses should match case-insensitively")

	s.Remove("orders", "ALICE")
	ok, _ = s.IsValidSubscriber(ctx, "orders", "alice")
	assert.False(t, ok)

	s.Add("orders", "carol")
	subs, err := s.GetSubscribers(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, subs)

	subs, err = s.GetSubscribers(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestGrantOracle_IssueRegisterExpire(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	g, err := NewGrantOracle([]byte("secret"), clk.now)
	require.NoError(t, err)

	token, err := g.Issue("orders", "Alice", time.Hour)
	require.NoError(t, err)

	claims, err := g.Register(token)
	require.NoError(t, err)
	assert.Equal(t, "orders", claims.StreamID)
	assert.Equal(t, "alice", claims.Subject)

	ok, err := g.IsValidSubscriber(ctx, "orders", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	subs, err := g.GetSubscribers(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, subs)

	clk.t = clk.t.Add(2 * time.Hour)
	ok, _ = g.IsValidSubscriber(ctx, "orders", "alice")
	assert.False(t, ok, "grant should expire")
	subs, _ = g.GetSubscribers(ctx, "orders")
	assert.Empty(t, subs)

	_, err = g.Register(token)
	assert.True(t, errors.Is(err, ErrInvalidGrant), "expired tokens should not register")
}

func TestGrantOracle_RejectsForeignSignature(t *testing.T) {
	g1, err := NewGrantOracle([]byte("one"), nil)
	require.NoError(t, err)
	g2, err := NewGrantOracle([]byte("two"), nil)
	require.NoError(t, err)

	token, err := g1.Issue("orders", "alice", time.Hour)
	require.NoError(t, err)

	_, err = g2.Register(token)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestGrantOracle_Revoke(t *testing.T) {
	ctx := context.Background()
	g, err := NewGrantOracle([]byte("secret"), nil)
	require.NoError(t, err)

	token, err := g.Issue("orders", "alice", time.Hour)
	require.NoError(t, err)
	_, err = g.Register(token)
	require.NoError(t, err)

	g.Revoke("orders", "alice")
	ok, _ := g.IsValidSubscriber(ctx, "orders", "alice")
	assert.False(t, ok)
}

func TestNewGrantOracle_EmptySecret(t *testing.T) {
	_, err := NewGrantOracle(nil, nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

type countingOracle struct {
	*Static
	valid, list int
	err         error
}

func (c *countingOracle) IsValidSubscriber(ctx context.Context, streamID, address string) (bool, error) {
	c.valid++
	if c.err != nil {
		return false, c.err
	}
	return c.Static.IsValidSubscriber(ctx, streamID, address)
}

func (c *countingOracle) GetSubscribers(ctx context.Context, streamID string) ([]string, error) {
	c.list++
	if c.err != nil {
		return nil, c.err
	}
	return c.Static.GetSubscribers(ctx, streamID)
}

func TestCached_ServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(0, 0)}
	inner := &countingOracle{Static: NewStatic(map[string][]string{"orders": {"alice"}})}
	c := NewCached(inner, time.Minute, clk.now)

	for i := 0; i < 3; i++ {
		ok, err := c.IsValidSubscriber(ctx, "orders", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = c.GetSubscribers(ctx, "orders")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.valid)
	assert.Equal(t, 1, inner.list)

	inner.Remove("orders", "alice")
	ok, _ := c.IsValidSubscriber(ctx, "orders", "alice")
	assert.True(t, ok, "stale answer is served until the ttl passes")

	clk.t = clk.t.Add(time.Minute)
	ok, _ = c.IsValidSubscriber(ctx, "orders", "alice")
	assert.False(t, ok)
	assert.Equal(t, 2, inner.valid)
}

func TestCached_InvalidateAndErrors(t *testing.T) {
	ctx := context.Background()
	inner := &countingOracle{Static: NewStatic(nil)}
	c := NewCached(inner, time.Hour, nil)

	_, err := c.GetSubscribers(ctx, "orders")
	require.NoError(t, err)
	c.Invalidate("orders")
	_, err = c.GetSubscribers(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.list)

	inner.err = errors.New("boom")
	_, err = c.IsValidSubscriber(ctx, "orders", "bob")
	require.Error(t, err)
	_, err = c.IsValidSubscriber(ctx, "orders", "bob")
	require.Error(t, err)
	assert.Equal(t, 2, inner.valid, "errors are not cached")
}
