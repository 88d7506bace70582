package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/upstream/types"
)

func bareClient(t *testing.T, cfg *config.ServerConfig) *Client {
	t.Helper()
	if cfg == nil {
		cfg = &config.ServerConfig{Type: config.TypeStdio, Command: "cat"}
	}
	return NewClient("test", cfg, zap.NewNop(), nil, nil, nil)
}

func TestRoundTripTimeout(t *testing.T) {
	client := bareClient(t, nil)
	opts := &config.RequestOptions{TimeoutMs: 50}

	start := time.Now()
	_, err := client.roundTrip(context.Background(), opts, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRoundTripSuccess(t *testing.T) {
	client := bareClient(t, nil)
	result, err := client.roundTrip(context.Background(), nil, func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRoundTripProgressResetsDeadline(t *testing.T) {
	client := bareClient(t, nil)
	opts := &config.RequestOptions{TimeoutMs: 80, ResetTimeoutOnProgress: true}

	// The call takes ~3 timeout windows but progress arrives inside each
	// window, so the deadline keeps sliding.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			time.Sleep(40 * time.Millisecond)
			select {
			case client.progress <- struct{}{}:
			default:
			}
		}
	}()

	result, err := client.roundTrip(context.Background(), opts, func(context.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "slow", nil
	})
	<-done
	require.NoError(t, err)
	assert.Equal(t, "slow", result)
}

func TestRoundTripMaxTotalCeiling(t *testing.T) {
	client := bareClient(t, nil)
	opts := &config.RequestOptions{
		TimeoutMs:              50,
		ResetTimeoutOnProgress: true,
		MaxTotalTimeoutMs:      120,
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case client.progress <- struct{}{}:
				default:
				}
			}
		}
	}()

	start := time.Now()
	_, err := client.roundTrip(context.Background(), opts, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err, "maxTotalTimeoutMs caps even progress-extended calls")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRoundTripCallerCancellation(t *testing.T) {
	client := bareClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.roundTrip(ctx, nil, func(callCtx context.Context) (any, error) {
		<-callCtx.Done()
		return nil, callCtx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errors.New("request failed with status 401")))
	assert.True(t, isAuthError(errors.New("Unauthorized")))
	assert.True(t, isAuthError(fmt.Errorf("wrapped: %w", errors.New("invalid_token"))))
	assert.False(t, isAuthError(errors.New("connection refused")))
	assert.False(t, isAuthError(nil))
}

func TestUnavailableError(t *testing.T) {
	client := bareClient(t, &config.ServerConfig{
		Type:  config.TypeStreamableHTTP,
		URL:   "https://example.com/mcp",
		OAuth: &config.OAuthConfig{},
	})

	err := client.unavailableErr()
	assert.ErrorIs(t, err, ErrNotConnected)

	client.state.TransitionTo(types.StateConnecting)
	client.state.TransitionTo(types.StateOAuthRequired)
	err = client.unavailableErr()
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestCallToolWhenDisconnected(t *testing.T) {
	client := bareClient(t, nil)
	_, err := client.CallTool(context.Background(), "anything", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}
