package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixengine/config"
	"github.com/wyfcoding/fixengine/metrics"
)

var errBackend = errors.New("backend down")

func TestBreakerOpensAfterFailures(t *testing.T) {
	m := metrics.NewMetrics("test")
	gauge := NewStateGauge(m)
	b := NewBreaker(Settings{
		Name: "store",
		Config: config.CircuitBreakerConfig{
			Enabled: true,
			Timeout: time.Minute,
		},
		MinRequests: 2,
		State:       gauge,
	})

	require.ErrorIs(t, b.Do(func() error { return errBackend }), errBackend)
	require.ErrorIs(t, b.Do(func() error { return errBackend }), errBackend)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.False(t, called)
	assert.InDelta(t, 2, testutil.ToFloat64(gauge.WithLabelValues("store")), 0)
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	b := NewBreaker(Settings{Name: "off"})
	for range 10 {
		require.ErrorIs(t, b.Do(func() error { return errBackend }), errBackend)
	}

	v, err := ExecuteTyped(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	var nilBreaker *Breaker
	res, err := nilBreaker.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}
