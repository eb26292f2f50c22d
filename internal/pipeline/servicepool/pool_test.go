package servicepool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

func testPoolLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func TestPool_ProbeTreats404And405AsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(testPoolLogger(t), []ServiceConfig{{Type: ServiceDetect, BaseURL: srv.URL, MaxInFlight: 1}})
	e := p.entries[ServiceDetect]
	e.healthy.Store(false)

	p.probe(context.Background(), e)
	require.True(t, p.Healthy(ServiceDetect), "a 404 probe response must count as healthy")
}

func TestPool_ProbeRequiresConsecutiveFailuresBeforeFlippingUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(testPoolLogger(t), []ServiceConfig{{Type: ServiceRating, BaseURL: srv.URL, MaxInFlight: 1}})
	e := p.entries[ServiceRating]

	for i := 0; i < consecutiveFailureThreshold; i++ {
		p.probe(context.Background(), e)
		require.True(t, p.Healthy(ServiceRating), "probe %d of %d should not yet flip health", i+1, consecutiveFailureThreshold)
	}

	p.probe(context.Background(), e)
	require.False(t, p.Healthy(ServiceRating), "exceeding the consecutive-failure threshold must flip health to false")
}

func TestPool_ProbeRecoveryResetsFailureCounter(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(testPoolLogger(t), []ServiceConfig{{Type: ServiceCaption, BaseURL: srv.URL, MaxInFlight: 1}})
	e := p.entries[ServiceCaption]

	for i := 0; i <= consecutiveFailureThreshold; i++ {
		p.probe(context.Background(), e)
	}
	require.False(t, p.Healthy(ServiceCaption))

	healthy = true
	p.probe(context.Background(), e)
	require.True(t, p.Healthy(ServiceCaption))
	require.Equal(t, int32(0), e.consecutiveFailures.Load())
}

func TestPool_AcquireWaitsOutDeadlineForRecovery(t *testing.T) {
	p := New(testPoolLogger(t), []ServiceConfig{{Type: ServiceDetect, BaseURL: "http://example.invalid", MaxInFlight: 1}})
	e := p.entries[ServiceDetect]
	e.healthy.Store(false)

	go func() {
		time.Sleep(2 * healthRecheckInterval)
		e.healthy.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx, ServiceDetect)
	require.NoError(t, err)
	require.NotNil(t, lease)
	lease.Release()
}

func TestPool_AcquireReturnsUnhealthyWhenDeadlineExpiresWithoutRecovery(t *testing.T) {
	p := New(testPoolLogger(t), []ServiceConfig{{Type: ServiceDetect, BaseURL: "http://example.invalid", MaxInFlight: 1}})
	e := p.entries[ServiceDetect]
	e.healthy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 3*healthRecheckInterval)
	defer cancel()

	_, err := p.Acquire(ctx, ServiceDetect)
	require.ErrorIs(t, err, pkgerrors.ErrServiceUnhealthy)
}
