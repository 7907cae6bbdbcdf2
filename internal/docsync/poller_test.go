package docsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leadcore/leadsync/internal/document"
	"github.com/leadcore/leadsync/internal/remote"
)

func TestPollOnceUnchangedTimestamp(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	_, err := h.engine.Boot(context.Background())
	require.NoError(t, err)

	// Same server timestamp: content changes are ignored.
	h.remote.set(func(f *fakeRemote) { f.doc = customerDoc("c1", "c2") })
	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollUnchanged, outcome)
	assert.Equal(t, []string{"c1"}, customerIDs(h.engine.Document()))
}

func TestPollOnceReplacesOnNewTimestamp(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	_, err := h.engine.Boot(context.Background())
	require.NoError(t, err)

	h.remote.set(func(f *fakeRemote) {
		f.doc = customerDoc("c1", "c2")
		f.bump()
	})
	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReplaced, outcome)
	assert.Equal(t, []string{"c1", "c2"}, customerIDs(h.engine.Document()))

	_, at := h.remote.snapshot()
	assert.Equal(t, at, h.engine.LastSeen())
	saved, ok := h.cache.Read(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"c1", "c2"}, customerIDs(saved))
}

func TestPollOnceSkipsWhileBusy(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	h.busy.Set(true)

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSkippedBusy, outcome)
	gets, _ := h.remote.counts()
	assert.Zero(t, gets)
	assert.Empty(t, h.engine.Document().Customers)
}

func TestPollOnceDiscardsResultWhenEditStartsMidRequest(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	h.remote.set(func(f *fakeRemote) { f.beforeGet = func() { h.busy.Set(true) } })

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSkippedBusy, outcome)
	assert.Empty(t, h.engine.Document().Customers)
	assert.Empty(t, h.engine.LastSeen())
}

func TestPollOnceDiscardsResultWhenReplacedMidRequest(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	h.remote.set(func(f *fakeRemote) {
		f.beforeGet = func() {
			local := h.engine.Document()
			local.Customers = customerDoc("local").Customers
			h.engine.replace(local, "")
		}
	})

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSkippedBusy, outcome)
	assert.Equal(t, []string{"local"}, customerIDs(h.engine.Document()))
}

func TestPollOnceFailureKeepsDocument(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	_, err := h.engine.Boot(context.Background())
	require.NoError(t, err)

	h.remote.set(func(f *fakeRemote) { f.getErr = networkErr("get") })
	outcome, err := h.engine.PollOnce(context.Background())
	require.ErrorIs(t, err, remote.ErrNetwork)
	assert.Equal(t, PollFailed, outcome)
	assert.Equal(t, StatusOffline, h.engine.Status())
	assert.Equal(t, []string{"c1"}, customerIDs(h.engine.Document()))

	h.remote.set(func(f *fakeRemote) {
		f.getErr = &remote.Error{Kind: remote.KindApplication, Op: "get", Reason: "sheet locked"}
	})
	_, err = h.engine.PollOnce(context.Background())
	require.ErrorIs(t, err, remote.ErrApplication)
	assert.Equal(t, StatusOffline, h.engine.Status())
}

func TestPollOnceSkipsDuringSave(t *testing.T) {
	h := newHarness(t, customerDoc("c1"))
	release := make(chan struct{})
	entered := make(chan struct{})
	h.remote.set(func(f *fakeRemote) {
		f.beforePut = func() {
			close(entered)
			<-release
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Save(context.Background(), customerDoc("mine"), "")
		done <- err
	}()
	<-entered

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollSkippedBusy, outcome)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"mine"}, customerIDs(h.engine.Document()))
}

func TestStartStopWithManualTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, customerDoc("c1"))
	require.Error(t, h.engine.Start(0))
	require.NoError(t, h.engine.Start(time.Second))
	require.ErrorIs(t, h.engine.Start(time.Second), ErrAlreadyRunning)
	assert.True(t, h.engine.Running())

	h.ticker.c <- testNow
	require.Eventually(t, func() bool {
		return len(h.engine.Document().Customers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.engine.Stop()
	h.engine.Stop()
	assert.False(t, h.engine.Running())
	assert.True(t, h.ticker.isStopped())
}

func TestStopAbortsInFlightPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, customerDoc("c1"))
	entered := make(chan struct{})
	h.remote.set(func(f *fakeRemote) {
		f.beforeGet = func() { close(entered) }
	})
	require.NoError(t, h.engine.Start(time.Second))
	h.ticker.c <- testNow
	<-entered

	h.engine.Stop()
	assert.False(t, h.engine.Running())
}

func TestStartWithJitterTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, customerDoc("c1"), func(o *Options) {
		o.NewTicker = nil
		o.PollJitter = 0.5
	})
	require.NoError(t, h.engine.Start(5*time.Millisecond))
	require.Eventually(t, func() bool {
		gets, _ := h.remote.counts()
		return gets >= 2
	}, 2*time.Second, 5*time.Millisecond)
	h.engine.Stop()
	assert.Equal(t, []string{"c1"}, customerIDs(h.engine.Document()))
}

func TestRestartAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, document.Default())
	require.NoError(t, h.engine.Start(time.Second))
	h.engine.Stop()
	require.NoError(t, h.engine.Start(time.Second))
	h.engine.Stop()
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	tests := []struct {
		name   string
		ratio  float64
		sample float64
		want   time.Duration
	}{
		{name: "no jitter", ratio: 0, sample: 0.9, want: base},
		{name: "low end", ratio: 0.2, sample: 0, want: 8 * time.Second},
		{name: "midpoint", ratio: 0.2, sample: 0.5, want: base},
		{name: "high end", ratio: 0.2, sample: 1, want: 12 * time.Second},
		{name: "ratio clamped", ratio: 3, sample: 1, want: 20 * time.Second},
		{name: "negative ratio", ratio: -1, sample: 0, want: base},
		{name: "sample clamped", ratio: 0.2, sample: 7, want: 12 * time.Second},
		{name: "floor", ratio: 1, sample: 0, want: time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, jitteredIntervalWithSample(base, tc.ratio, tc.sample))
		})
	}
	assert.Zero(t, jitteredIntervalWithSample(0, 0.2, 0.5))
}

func TestPollOutcomeString(t *testing.T) {
	assert.Equal(t, "replaced", PollReplaced.String())
	assert.Equal(t, "skipped", PollSkippedBusy.String())
	assert.Equal(t, "unknown", PollOutcome(0).String())
}
