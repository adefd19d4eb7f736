package pricefeed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/retry"
	"vaultflow/pkg/models"
)

const proofBody = `{"status":"success","data":{"proof":{"publicOutput":["1"]},"blockHeight":1000,"timestamp":"2026-10-01T12:00:00Z","price":523000000}}`

type fixedHeight uint64

func (h fixedHeight) BlockHeight(context.Context) (uint64, error) { return uint64(h), nil }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestFeed(url string) *Feed {
	return New(Config{
		BaseURL: url,
		Retry:   retry.Config{MaxAttempts: 2, InitialInterval: time.Millisecond, BackoffFactor: 1},
	}, quietLogger())
}

func TestLatest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ProofPath, r.URL.Path)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		_, _ = w.Write([]byte(proofBody))
	}))
	defer server.Close()

	feed := newTestFeed(server.URL)
	assert.Equal(t, DefaultPriceNanoUSD, feed.Current(), "首次获取前默认 1 美元")

	var updated models.PricePoint
	feed.OnUpdate(func(p models.PricePoint) { updated = p })

	point, err := feed.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(523_000_000), point.PriceNanoUSD)
	assert.Equal(t, uint64(1000), point.BlockHeight)
	assert.JSONEq(t, `{"publicOutput":["1"]}`, string(point.Proof))
	assert.Equal(t, uint64(523_000_000), feed.Current())
	assert.Equal(t, point, updated)
}

func TestLatest_AlwaysFetchesFresh(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(proofBody))
	}))
	defer server.Close()

	feed := newTestFeed(server.URL)
	for i := 0; i < 3; i++ {
		_, err := feed.Latest(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestLatest_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"非200", http.StatusInternalServerError, `{"status":"error","error":"boom"}`},
		{"status error", http.StatusOK, `{"status":"error","error":"Failed to fetch latest proof"}`},
		{"缺少data", http.StatusOK, `{"status":"success"}`},
		{"非法JSON", http.StatusOK, `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			feed := newTestFeed(server.URL)
			_, err := feed.Latest(context.Background())
			assert.Error(t, err)
			assert.Equal(t, DefaultPriceNanoUSD, feed.Current())

			cached, lastErr := feed.Snapshot()
			assert.Nil(t, cached)
			assert.Error(t, lastErr)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		priceHeight uint64
		chainHeight uint64
		stale       bool
	}{
		{"同一区块", 100, 100, false},
		{"落后1块", 100, 101, false},
		{"落后2块", 100, 102, false},
		{"落后3块", 100, 103, true},
		{"来自未来", 105, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(models.PricePoint{BlockHeight: tt.priceHeight}, tt.chainHeight, DefaultMaxBlockLag)
			if tt.stale {
				assert.True(t, vaulterrors.IsStalePrice(err))
				assert.Equal(t, "Proof is not within acceptable block range", vaulterrors.UserMessage(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLatestValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(proofBody))
	}))
	defer server.Close()

	feed := newTestFeed(server.URL)

	point, err := feed.LatestValid(context.Background(), fixedHeight(1001))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), point.BlockHeight)

	_, err = feed.LatestValid(context.Background(), fixedHeight(1010))
	assert.True(t, vaulterrors.IsStalePrice(err))
}

func TestRun(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(proofBody))
	}))
	defer server.Close()

	feed := New(Config{BaseURL: server.URL, PollInterval: 10 * time.Millisecond}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, uint64(523_000_000), feed.Current())
}
