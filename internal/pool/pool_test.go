package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
	"github.com/JakeFAU/fetchpool/internal/fetch"
	"github.com/JakeFAU/fetchpool/internal/metrics"
)

// scriptedFetcher answers every attempt through respond and counts calls per
// target. One instance is shared by all workers of a test pool.
type scriptedFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	reqs    []fetch.Request
	respond func(req fetch.Request, n int) (fetch.Response, error)
}

func newScriptedFetcher(respond func(req fetch.Request, n int) (fetch.Response, error)) *scriptedFetcher {
	return &scriptedFetcher{calls: make(map[string]int), respond: respond}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	f.calls[req.Target]++
	n := f.calls[req.Target]
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.respond(req, n)
}

func (f *scriptedFetcher) Calls(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func (f *scriptedFetcher) factory() FetcherFactory {
	return func(int) (fetch.Fetcher, error) {
		return f, nil
	}
}

func ok(body string) (fetch.Response, error) {
	return fetch.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func status(code int) (fetch.Response, error) {
	return fetch.Response{StatusCode: code, Body: []byte("nope")}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []failedlog.Record
}

func (m *memRecorder) Record(_ context.Context, rec failedlog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) Records() []failedlog.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]failedlog.Record(nil), m.recs...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestPool(t *testing.T, cfg Config, f *scriptedFetcher, opts ...Option) (*Pool, *sleepRecorder) {
	t.Helper()
	p, err := New(cfg, f.factory(), opts...)
	require.NoError(t, err)
	sleeper := &sleepRecorder{}
	p.sleep = sleeper.sleep
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Stop(ctx))
	})
	return p, sleeper
}

func waitDrain(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitDrain(ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	_, err := New(Config{Workers: 0, MaxRetries: 1}, f.factory())
	require.Error(t, err)
	_, err = New(Config{Workers: 1, MaxRetries: 0}, f.factory())
	require.Error(t, err)
	_, err = New(Config{Workers: 1, MaxRetries: 1}, nil)
	require.Error(t, err)

	p, err := New(Config{Workers: 1, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	require.Equal(t, time.Second, p.cfg.Backoff)
}

func TestPoolThreeOKTargetsTwoWorkers(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("OK") })
	p, _ := newTestPool(t, Config{Workers: 2, MaxRetries: 3}, f)

	var (
		mu     sync.Mutex
		bodies []string
	)
	collect := NamedHandler("collect", func(_ context.Context, body string) error {
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, body)
		return nil
	})
	require.NoError(t, p.SubmitMany([]Task{
		{Target: "https://example.com/1", Handler: collect},
		{Target: "https://example.com/2", Handler: collect},
		{Target: "https://example.com/3", Handler: collect},
	}))
	waitDrain(t, p)

	require.Equal(t, []string{"OK", "OK", "OK"}, bodies)
	snap := p.Progress()
	require.EqualValues(t, 3, snap.Total)
	require.EqualValues(t, 3, snap.Completed)
	require.EqualValues(t, 3, snap.Succeeded)
}

func TestPoolAlwaysFailingTaskIsLoggedOnce(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return status(500) })
	rec := &memRecorder{}
	p, sleeper := newTestPool(t, Config{Workers: 2, MaxRetries: 3}, f, WithFailedLog(rec))

	var called atomic.Bool
	h := NamedHandler("parse", func(context.Context, string) error {
		called.Store(true)
		return nil
	})
	require.NoError(t, p.Submit("https://example.com/broken", h))
	waitDrain(t, p)

	records := rec.Records()
	require.Len(t, records, 1)
	require.Equal(t, "https://example.com/broken", records[0].Target)
	require.Equal(t, "parse", records[0].Handler)
	require.Equal(t, 3, records[0].Attempts)
	require.Equal(t, "unexpected status 500", records[0].LastError)
	require.False(t, called.Load())
	require.Equal(t, 3, f.Calls("https://example.com/broken"))

	snap := p.Progress()
	require.EqualValues(t, 1, snap.Total)
	require.EqualValues(t, 1, snap.Completed)
	require.EqualValues(t, 1, snap.Exhausted)

	require.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeper.Waits())
}

func TestPoolRetryBound(t *testing.T) {
	t.Parallel()

	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("succeeds on attempt %d", k), func(t *testing.T) {
			t.Parallel()

			f := newScriptedFetcher(func(_ fetch.Request, n int) (fetch.Response, error) {
				if n < k {
					return fetch.Response{}, errors.New("connection reset")
				}
				return ok("body")
			})
			rec := &memRecorder{}
			p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 3}, f, WithFailedLog(rec))

			var handled atomic.Int32
			require.NoError(t, p.Submit("https://example.com", HandlerFunc(func(context.Context, string) error {
				handled.Add(1)
				return nil
			})))
			waitDrain(t, p)

			require.Equal(t, k, f.Calls("https://example.com"))
			require.EqualValues(t, 1, handled.Load())
			require.Empty(t, rec.Records())
		})
	}
}

func TestPoolInvalidUTF8CountsAsFailure(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) {
		return fetch.Response{StatusCode: 200, Body: []byte{0xff}}, nil
	})
	rec := &memRecorder{}
	p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 2}, f, WithFailedLog(rec))

	require.NoError(t, p.Submit("https://example.com/bin", nil))
	waitDrain(t, p)

	records := rec.Records()
	require.Len(t, records, 1)
	require.Equal(t, "none", records[0].Handler)
	require.Equal(t, 2, f.Calls("https://example.com/bin"))
}

func TestPoolOversizedBodyIsExhausted(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) {
		return fetch.Response{StatusCode: 200, Body: []byte("0123456789"), Truncated: true}, nil
	})
	rec := &memRecorder{}
	p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 2}, f, WithFailedLog(rec))

	var handled atomic.Int32
	require.NoError(t, p.Submit("https://example.com/huge", HandlerFunc(func(context.Context, string) error {
		handled.Add(1)
		return nil
	})))
	waitDrain(t, p)

	require.Zero(t, handled.Load())
	require.Equal(t, 2, f.Calls("https://example.com/huge"))
	records := rec.Records()
	require.Len(t, records, 1)
	require.Contains(t, records[0].LastError, "exceeds 10 bytes")
	snap := p.Progress()
	require.EqualValues(t, 1, snap.Exhausted)
	require.Zero(t, snap.Succeeded)
}

func TestPoolExactlyOnceOutcome(t *testing.T) {
	t.Parallel()

	// Even-numbered targets always fail, odd ones succeed on the second try.
	f := newScriptedFetcher(func(req fetch.Request, n int) (fetch.Response, error) {
		var idx int
		_, _ = fmt.Sscanf(req.Target, "https://example.com/%d", &idx)
		if idx%2 == 0 || n == 1 {
			return status(503)
		}
		return ok("fine")
	})
	rec := &memRecorder{}
	p, _ := newTestPool(t, Config{Workers: 4, MaxRetries: 2}, f, WithFailedLog(rec))

	const total = 40
	var mu sync.Mutex
	handled := make(map[string]int)
	tasks := make([]Task, 0, total)
	for i := 0; i < total; i++ {
		target := fmt.Sprintf("https://example.com/%d", i)
		tasks = append(tasks, Task{Target: target, Handler: NamedHandler("count", func(context.Context, string) error {
			mu.Lock()
			defer mu.Unlock()
			handled[target]++
			return nil
		})})
	}
	require.NoError(t, p.SubmitMany(tasks))
	waitDrain(t, p)

	outcomes := make(map[string]int)
	for target, n := range handled {
		outcomes[target] += n
	}
	for _, r := range rec.Records() {
		outcomes[r.Target]++
	}
	require.Len(t, outcomes, total)
	for target, n := range outcomes {
		require.Equal(t, 1, n, "target %s reached %d outcomes", target, n)
	}
	require.Len(t, rec.Records(), total/2)

	snap := p.Progress()
	require.EqualValues(t, total, snap.Total)
	require.EqualValues(t, total, snap.Completed)
}

func TestPoolDrainLeavesNothingInFlight(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) {
		time.Sleep(2 * time.Millisecond)
		return ok("x")
	})
	p, _ := newTestPool(t, Config{Workers: 3, MaxRetries: 1}, f)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(fmt.Sprintf("https://example.com/%d", i), nil))
	}
	waitDrain(t, p)

	require.Equal(t, 0, p.queue.Unfinished())
	require.Equal(t, 0, p.Pending())
	require.Equal(t, 0, p.Busy())
}

func TestPoolHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("OK") })
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 1}, f, WithMetrics(m))

	var after atomic.Bool
	require.NoError(t, p.Submit("https://example.com/boom", NamedHandler("boom", func(context.Context, string) error {
		panic("bad handler")
	})))
	require.NoError(t, p.Submit("https://example.com/next", NamedHandler("next", func(context.Context, string) error {
		after.Store(true)
		return nil
	})))
	waitDrain(t, p)

	require.True(t, after.Load(), "worker died after handler panic")
	snap := p.Progress()
	require.EqualValues(t, 2, snap.Succeeded)
	require.Equal(t, 1, f.Calls("https://example.com/boom"), "handler failures are not retried")
}

func TestPoolStopIdleWorkersPromptly(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	p, err := New(Config{Workers: 4, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.True(t, p.Running())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.False(t, p.Running())

	select {
	case <-p.workersDone:
	default:
		t.Fatal("workers still running after Stop")
	}
	require.Equal(t, 0, p.queue.Unfinished())
	require.ErrorIs(t, p.Submit("https://example.com", nil), ErrStopped)
	require.NoError(t, p.Stop(ctx), "stop is idempotent")
	require.ErrorIs(t, p.Start(context.Background()), ErrStopped)
}

func TestPoolStopFinishesQueuedWork(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) {
		time.Sleep(time.Millisecond)
		return ok("OK")
	})
	p, err := New(Config{Workers: 2, MaxRetries: 1}, f.factory())
	require.NoError(t, err)

	var handled atomic.Int32
	h := HandlerFunc(func(context.Context, string) error {
		handled.Add(1)
		return nil
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(fmt.Sprintf("https://example.com/%d", i), h))
	}
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.EqualValues(t, 10, handled.Load())
}

func TestPoolStopNeverStarted(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	p, err := New(Config{Workers: 2, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.Running())
}

func TestPoolStopAfterStartContextCancelled(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	p, err := New(Config{Workers: 3, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
}

func TestPoolStopAfterCancelReleasesWaitDrain(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	p, err := New(Config{Workers: 2, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.SubmitMany([]Task{{Target: "https://example.com/a"}, {Target: "https://example.com/b"}}))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	require.NoError(t, p.WaitDrain(drainCtx))
	require.Zero(t, p.Pending())
}

func TestPoolStopNeverStartedReleasesWaitDrain(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("") })
	p, err := New(Config{Workers: 1, MaxRetries: 1}, f.factory())
	require.NoError(t, err)
	require.NoError(t, p.Submit("https://example.com/queued", nil))
	require.NoError(t, p.Stop(context.Background()))

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.WaitDrain(drainCtx))
	require.Zero(t, f.Calls("https://example.com/queued"))
}

func TestPoolStartFetcherFactoryError(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Workers: 2, MaxRetries: 1}, func(id int) (fetch.Fetcher, error) {
		return nil, fmt.Errorf("no session for %d", id)
	})
	require.NoError(t, err)
	require.ErrorContains(t, p.Start(context.Background()), "worker 0")
	require.False(t, p.Running())
}

func TestPoolResetProgressKeepsPhasesSeparate(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newScriptedFetcher(func(req fetch.Request, _ int) (fetch.Response, error) {
		if req.Target == "https://example.com/slow" {
			<-release
		}
		return ok("OK")
	})
	p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 1}, f)

	first := p.Progress()
	require.NoError(t, p.Submit("https://example.com/slow", nil))

	second := p.ResetProgress("fetch pages")
	require.NotEqual(t, first.PhaseID, second.PhaseID)
	require.Equal(t, "fetch pages", second.Phase)
	require.EqualValues(t, 0, second.Total)

	require.NoError(t, p.Submit("https://example.com/fast", nil))
	close(release)
	waitDrain(t, p)

	snap := p.Progress()
	require.Equal(t, second.PhaseID, snap.PhaseID)
	require.EqualValues(t, 1, snap.Total)
	require.EqualValues(t, 1, snap.Completed)
}

func TestPoolHandlerMaySubmit(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher(func(fetch.Request, int) (fetch.Response, error) { return ok("OK") })
	p, _ := newTestPool(t, Config{Workers: 1, MaxRetries: 1}, f)

	var leaves atomic.Int32
	leaf := HandlerFunc(func(context.Context, string) error {
		leaves.Add(1)
		return nil
	})
	require.NoError(t, p.Submit("https://example.com/index", NamedHandler("discover", func(context.Context, string) error {
		return p.SubmitMany([]Task{
			{Target: "https://example.com/a", Handler: leaf},
			{Target: "https://example.com/b", Handler: leaf},
		})
	})))
	waitDrain(t, p)
	require.EqualValues(t, 2, leaves.Load())
}
