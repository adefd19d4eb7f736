package tracker

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultflow/pkg/models"
)

func newTestTracker() *Tracker {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func TestBegin(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "corr-1")

	s := tr.Snapshot()
	assert.Equal(t, models.PhaseBuilding, s.Phase)
	assert.Equal(t, models.ActionMintZkUsd, s.Type)
	assert.Equal(t, "Minting zkUSD", s.Title)
	assert.Equal(t, "corr-1", s.CorrelationID)
	assert.Empty(t, s.Error)
	assert.Empty(t, s.Hash)
	assert.False(t, s.StartedAt.IsZero())
	assert.Empty(t, s.VaultAddress)

	tr.BeginVault(models.ActionBurnZkUsd, "corr-2", "B62qvault")
	s = tr.Snapshot()
	assert.Equal(t, "corr-2", s.CorrelationID)
	assert.Equal(t, "B62qvault", s.VaultAddress)
}

func TestSetPhase_ForwardOnly(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionDepositCollateral, "corr-1")

	require.NoError(t, tr.SetPhase(models.PhaseSigning))
	require.NoError(t, tr.SetPhase(models.PhaseSending)) // 允许跳过 PROVING
	require.NoError(t, tr.SetPhase(models.PhaseSending)) // 相同阶段为空操作

	err := tr.SetPhase(models.PhaseProving)
	assert.ErrorIs(t, err, ErrPhaseRegression)
	assert.Equal(t, models.PhaseSending, tr.Snapshot().Phase)

	require.NoError(t, tr.SetPhase(models.PhaseIncluded))
	assert.ErrorIs(t, tr.SetPhase(models.PhaseFailed), ErrPhaseRegression)
	assert.ErrorIs(t, tr.SetPhase(models.PhaseSending), ErrPhaseRegression)
	assert.Equal(t, models.PhaseIncluded, tr.Snapshot().Phase)
}

func TestSetPhase_NeverRegressesUnderAnySequence(t *testing.T) {
	all := append([]models.Phase{}, models.OrderedPhases...)
	all = append(all, models.PhaseFailed)

	for _, first := range all {
		for _, second := range all {
			tr := newTestTracker()
			tr.Begin(models.ActionBurnZkUsd, "c")
			_ = tr.SetPhase(first)
			before := tr.Snapshot().Phase
			_ = tr.SetPhase(second)
			after := tr.Snapshot().Phase

			if before.IsTerminal() {
				assert.Equal(t, before, after, "%s -> %s", first, second)
				continue
			}
			if after != models.PhaseFailed {
				assert.False(t, after.Before(before), "%s -> %s 发生回退", before, after)
			}
		}
	}
}

func TestSetPhase_WithoutLifecycle(t *testing.T) {
	tr := newTestTracker()
	assert.ErrorIs(t, tr.SetPhase(models.PhaseSigning), ErrNoLifecycle)
	assert.ErrorIs(t, tr.SetHash("h"), ErrNoLifecycle)
}

func TestFail(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "corr-1")
	require.NoError(t, tr.SetPhase(models.PhaseSigning))
	require.NoError(t, tr.Fail("User rejected the request."))

	s := tr.Snapshot()
	assert.Equal(t, models.PhaseFailed, s.Phase)
	assert.Equal(t, "User rejected the request.", s.Error)
}

func TestSetErrorThenFailed(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "corr-1")
	require.NoError(t, tr.SetError("boom"))
	assert.Equal(t, models.PhaseBuilding, tr.Snapshot().Phase)
	require.NoError(t, tr.SetPhase(models.PhaseFailed))
	assert.Equal(t, "boom", tr.Snapshot().Error)
}

func TestSetHash_FirstWins(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionCreateVault, "corr-1")
	require.NoError(t, tr.SetHash("5Jfirst"))
	require.NoError(t, tr.SetHash("5Jsecond"))
	assert.Equal(t, "5Jfirst", tr.Snapshot().Hash)
}

func TestCorrelationGuard(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "old")
	tr.Begin(models.ActionBurnZkUsd, "new")

	assert.ErrorIs(t, tr.SetPhaseFor("old", models.PhaseIncluded), ErrStaleLifecycle)
	assert.ErrorIs(t, tr.FailFor("old", "x"), ErrStaleLifecycle)
	require.NoError(t, tr.SetPhaseFor("new", models.PhaseSigning))
	assert.False(t, tr.ResetFor("old"))
	assert.Equal(t, models.PhaseSigning, tr.Snapshot().Phase)
}

func TestReset_ReleasesSubscription(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "corr-1")

	var released int32
	tr.Attach(func() { atomic.AddInt32(&released, 1) })
	tr.Reset()

	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
	assert.False(t, tr.Snapshot().Active())

	tr.Reset()
	assert.Equal(t, int32(1), atomic.LoadInt32(&released), "重复重置不应重复释放")
}

func TestBegin_ReleasesPreviousSubscription(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "a")
	released := false
	tr.Attach(func() { released = true })

	tr.Begin(models.ActionBurnZkUsd, "b")
	assert.True(t, released)
}

func TestSubscribe(t *testing.T) {
	tr := newTestTracker()

	var mu sync.Mutex
	var phases []models.Phase
	cancel := tr.Subscribe(func(prev, next models.LifecycleState) {
		mu.Lock()
		phases = append(phases, next.Phase)
		mu.Unlock()
	})

	tr.Begin(models.ActionDepositCollateral, "c")
	_ = tr.SetPhase(models.PhaseSigning)
	_ = tr.SetPhase(models.PhaseSigning)
	_ = tr.SetPhase(models.PhaseBuilding)
	cancel()
	_ = tr.SetPhase(models.PhaseSending)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Phase{models.PhaseBuilding, models.PhaseSigning}, phases)
}

func TestConcurrentUpdates(t *testing.T) {
	tr := newTestTracker()
	tr.Begin(models.ActionMintZkUsd, "c")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.SetPhase(models.OrderedPhases[i%len(models.OrderedPhases)])
			_ = tr.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, models.PhaseIncluded, tr.Snapshot().Phase)
}

func TestAutoResetter(t *testing.T) {
	tr := newTestTracker()
	ar := NewAutoResetter(tr, 20*time.Millisecond)
	defer ar.Stop()

	tr.Begin(models.ActionMintZkUsd, "c1")
	require.NoError(t, tr.SetPhase(models.PhaseIncluded))
	assert.True(t, tr.Snapshot().Active())

	assert.Eventually(t, func() bool { return !tr.Snapshot().Active() }, time.Second, 5*time.Millisecond)
}

func TestAutoResetter_KeepsNewLifecycle(t *testing.T) {
	tr := newTestTracker()
	ar := NewAutoResetter(tr, 30*time.Millisecond)
	defer ar.Stop()

	tr.Begin(models.ActionMintZkUsd, "c1")
	require.NoError(t, tr.Fail("boom"))
	tr.Begin(models.ActionBurnZkUsd, "c2")

	time.Sleep(80 * time.Millisecond)
	s := tr.Snapshot()
	assert.Equal(t, "c2", s.CorrelationID)
	assert.Equal(t, models.PhaseBuilding, s.Phase)
}
