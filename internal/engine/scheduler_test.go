package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xela07ax/stream-agency/internal/chain"
	"github.com/xela07ax/stream-agency/internal/domain"
	"github.com/xela07ax/stream-agency/internal/stream"
)

type testRig struct {
	engine  *Engine
	agents  *fakeAgentStore
	windows *fakeWindowStore
	billing *fakeBillingStore
	stream  *stream.MockClient
	chain   *chain.MockClient
	guard   *fakeGuard
}

func newTestRig(t *testing.T, epoch uint64) *testRig {
	t.Helper()

	agents := newFakeAgentStore()
	windows := newFakeWindowStore()
	billing := newFakeBillingStore(windows)
	streamMock := stream.NewMockClient(time.Hour)
	chainMock := chain.NewMockClient(epoch)
	guard := newFakeGuard()

	eng := New(Deps{
		Agents:  agents,
		Windows: windows,
		Billing: billing,
		Stream:  streamMock,
		Chain:   chainMock,
		Guard:   guard,
	}, Params{
		Schedule: SchedulePolicy{
			Lead:   6 * time.Minute,
			Jitter: 20 * time.Second,
			Period: time.Hour,
			Rand:   func(n int) int { return 0 },
		},
		Backoff: BackoffPolicy{
			Steps: []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute},
			Cap:   3 * time.Minute,
		},
		Workers:         2,
		ProbeRate:       rate.Limit(1000),
		ProbeBurst:      100,
		RewardPerWindow: 1.0,
		Billing: BillingParams{
			Enabled:      true,
			Contract:     "claw1escrow",
			GasLimit:     10_000_000,
			GasPrice:     1_000_000_000,
			RetryCeiling: 3,
		},
	})

	return &testRig{
		engine:  eng,
		agents:  agents,
		windows: windows,
		billing: billing,
		stream:  streamMock,
		chain:   chainMock,
		guard:   guard,
	}
}

func (r *testRig) tick(t *testing.T, state TickState) (TickState, domain.TickStats) {
	t.Helper()
	return r.engine.Tick(context.Background(), state)
}

func TestTickRenewsDueAgent(t *testing.T) {
	rig := newTestRig(t, 5)
	agent := rig.agents.add("claw1alpha", 250, nil) // next_due NULL — должен сразу

	_, stats := rig.tick(t, TickState{})

	require.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.OK)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.WindowsAdded)

	got := rig.agents.get(agent.ID)
	require.NotNil(t, got.ExpectedEnd)
	require.NotNil(t, got.NextDue)

	// next_due = stream_end − lead + uniform(0, jitter); Rand дублера — 0
	assert.Equal(t, got.ExpectedEnd.Add(-6*time.Minute), *got.NextDue)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.RetryStep)

	// Комиссия: 250 bps от награды 1.0 за окно
	assert.InDelta(t, 0.025, got.FeeDue, 1e-9)

	// Окно засчитано в текущую эпоху
	w := rig.windows.get(agent.ID, 5)
	assert.Equal(t, 1, w.Windows)
	assert.False(t, w.Sealed)
}

func TestTickSkipsAgentsNotDue(t *testing.T) {
	rig := newTestRig(t, 5)
	future := time.Now().Add(30 * time.Minute)
	rig.agents.add("claw1alpha", 0, &future)

	_, stats := rig.tick(t, TickState{})

	assert.Equal(t, 0, stats.Processed)
	assert.Empty(t, rig.stream.Calls)
}

func TestProbeFailureWalksBackoffLadder(t *testing.T) {
	rig := newTestRig(t, 5)
	agent := rig.agents.add("claw1alpha", 0, nil)
	rig.stream.FailWith("claw1alpha", 500, "internal error")

	before := time.Now()
	_, stats := rig.tick(t, TickState{})

	require.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.WindowsAdded)

	got := rig.agents.get(agent.ID)
	assert.Equal(t, 1, got.RetryStep)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Contains(t, got.LastError, "500")

	// Первая ступень лестницы — 30 секунд
	require.NotNil(t, got.NextDue)
	assert.WithinDuration(t, before.Add(30*time.Second), *got.NextDue, 5*time.Second)

	// Вторая неудача — следующая ступень, 60 секунд
	rig.agents.mu.Lock()
	rig.agents.agents[agent.ID].NextDue = nil
	rig.agents.mu.Unlock()

	before = time.Now()
	_, stats = rig.tick(t, TickState{})
	require.Equal(t, 1, stats.Failed)

	got = rig.agents.get(agent.ID)
	assert.Equal(t, 2, got.RetryStep)
	assert.WithinDuration(t, before.Add(time.Minute), *got.NextDue, 5*time.Second)
}

func TestBackoffResetsAfterRecovery(t *testing.T) {
	rig := newTestRig(t, 5)
	agent := rig.agents.add("claw1alpha", 0, nil)
	rig.stream.FailWith("claw1alpha", 502, "bad gateway")

	rig.tick(t, TickState{})
	rig.agents.mu.Lock()
	rig.agents.agents[agent.ID].NextDue = nil
	rig.agents.mu.Unlock()

	rig.stream.Recover("claw1alpha")
	_, stats := rig.tick(t, TickState{})

	require.Equal(t, 1, stats.OK)
	got := rig.agents.get(agent.ID)
	assert.Equal(t, 0, got.RetryStep)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestAlreadyStreamingReschedulesWithoutWindow(t *testing.T) {
	rig := newTestRig(t, 5)
	agent := rig.agents.add("claw1alpha", 0, nil)
	end := time.Now().Add(40 * time.Minute).UTC()
	rig.stream.AlreadyStreaming("claw1alpha", end)

	_, stats := rig.tick(t, TickState{})

	require.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.OK)
	// Окно живо без нашего продления — в леджер оно не попадает
	assert.Equal(t, 0, stats.WindowsAdded)

	got := rig.agents.get(agent.ID)
	require.NotNil(t, got.NextDue)
	assert.Equal(t, end.Add(-6*time.Minute), got.NextDue.UTC())
	assert.Equal(t, 0, got.SuccessCount)
}

func TestSuspendedAgentNotProbed(t *testing.T) {
	rig := newTestRig(t, 5)
	rig.agents.add("claw1alpha", 0, nil)
	rig.guard.suspend("claw1alpha")

	_, stats := rig.tick(t, TickState{})

	assert.Equal(t, 0, stats.Processed)
	assert.Empty(t, rig.stream.Calls)
}

func TestLateSuccessOutsideSealedEpochNotCounted(t *testing.T) {
	rig := newTestRig(t, 7)
	agent := rig.agents.add("claw1alpha", 0, nil)
	rig.windows.seed(agent.ID, 7, 3, true) // эпоха уже запечатана

	_, stats := rig.tick(t, TickState{})

	require.Equal(t, 1, stats.OK)
	assert.Equal(t, 0, stats.WindowsAdded)

	// Счетчик заморожен: поздний успех задним числом не считается
	w := rig.windows.get(agent.ID, 7)
	assert.Equal(t, 3, w.Windows)
}

func TestOneProbePerDueAgentPerTick(t *testing.T) {
	rig := newTestRig(t, 5)
	rig.agents.add("claw1alpha", 0, nil)
	rig.agents.add("claw1beta", 0, nil)
	rig.agents.add("claw1gamma", 0, nil)

	_, stats := rig.tick(t, TickState{})

	assert.Equal(t, 3, stats.Processed)
	assert.Len(t, rig.stream.Calls, 3)

	// Все перепланированы — второй тик никого не трогает
	_, stats = rig.tick(t, TickState{})
	assert.Equal(t, 0, stats.Processed)
	assert.Len(t, rig.stream.Calls, 3)
}
