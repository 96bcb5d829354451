package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/types"
)

// fakeProvider is a configurable test backend.
type fakeProvider struct {
	key        types.CapabilityKey
	concurrent bool
	loadErr    error
	loadDelay  time.Duration
	loads      atomic.Int32

	invoke func(ctx context.Context, p types.Payload) (*types.ModalityResult, error)
}

func (f *fakeProvider) Capability() types.CapabilityKey { return f.key }
func (f *fakeProvider) Concurrent() bool                { return f.concurrent }

func (f *fakeProvider) Load(ctx context.Context) (Model, error) {
	f.loads.Add(1)
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &fakeModel{invoke: f.invoke}, nil
}

type fakeModel struct {
	invoke func(ctx context.Context, p types.Payload) (*types.ModalityResult, error)
	closed atomic.Bool
}

func (m *fakeModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if m.invoke != nil {
		return m.invoke(ctx, p)
	}
	return &types.ModalityResult{Text: "ok", Confidence: 1}, nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func textKey() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
}

func TestHandle_LoadsOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{key: textKey(), concurrent: true, loadDelay: 10 * time.Millisecond}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText, Text: "hi"})
			if !res.OK {
				t.Errorf("unexpected failure: %v", res.Err)
			}
		}()
	}
	wg.Wait()

	if got := p.loads.Load(); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
	if h.State() != StateReady {
		t.Fatalf("expected ready state, got %s", h.State())
	}
}

func TestHandle_CachesLoadFailure(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{key: textKey(), concurrent: true, loadErr: errors.New("no weights")}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		res := h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText})
		if res.OK {
			t.Fatal("expected failed result")
		}
		if res.Err.Code != types.ErrBackendLoad {
			t.Fatalf("expected BACKEND_LOAD, got %s", res.Err.Code)
		}
	}
	// The failure is cached: no implicit retry.
	if got := p.loads.Load(); got != 1 {
		t.Fatalf("expected exactly one load attempt, got %d", got)
	}

	// Eviction clears the cached failure, allowing an explicit retry.
	if err := h.Evict(); err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	p.loadErr = nil
	res := h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText})
	if !res.OK {
		t.Fatalf("expected success after eviction retry: %v", res.Err)
	}
}

func TestHandle_PanicBecomesInvocationError(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		key:        textKey(),
		concurrent: true,
		invoke: func(ctx context.Context, _ types.Payload) (*types.ModalityResult, error) {
			panic("tensor shape mismatch")
		},
	}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	res := h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Err.Code != types.ErrBackendInvocation {
		t.Fatalf("expected BACKEND_INVOCATION, got %s", res.Err.Code)
	}
}

func TestHandle_TimeoutAndCancellation(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context, _ types.Payload) (*types.ModalityResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &types.ModalityResult{Text: "late"}, nil
		}
	}

	p := &fakeProvider{key: textKey(), concurrent: true, invoke: slow}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.Invoke(ctx, types.Payload{Modality: types.ModalityText})
	if res.Err == nil || res.Err.Code != types.ErrBackendTimeout {
		t.Fatalf("expected BACKEND_TIMEOUT, got %+v", res.Err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel2()
	}()
	res = h.Invoke(ctx2, types.Payload{Modality: types.ModalityText})
	if res.Err == nil || res.Err.Code != types.ErrBackendCancelled {
		t.Fatalf("expected BACKEND_CANCELLED, got %+v", res.Err)
	}
}

func TestHandle_SlowLoadDoesNotHoldCallerPastDeadline(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{key: textKey(), concurrent: true, loadDelay: 300 * time.Millisecond}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := h.Invoke(ctx, types.Payload{Modality: types.ModalityText, Text: "hi"})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("caller held for %v while the model loaded", elapsed)
	}
	if res.Err == nil || res.Err.Code != types.ErrBackendTimeout {
		t.Fatalf("expected BACKEND_TIMEOUT, got %+v", res.Err)
	}

	// A waiter joining mid-load is bounded by its own context too.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	res = h.Invoke(ctx2, types.Payload{Modality: types.ModalityText, Text: "hi"})
	if res.Err == nil || res.Err.Code != types.ErrBackendTimeout {
		t.Fatalf("expected BACKEND_TIMEOUT for waiter, got %+v", res.Err)
	}

	// The load keeps going in the background and is cached for later
	// callers: no second load attempt.
	deadline := time.Now().Add(2 * time.Second)
	for h.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("model never became ready after detached load")
		}
		time.Sleep(5 * time.Millisecond)
	}
	res = h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText, Text: "hi"})
	if !res.OK {
		t.Fatalf("expected success once loaded: %v", res.Err)
	}
	if got := p.loads.Load(); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
}

func TestHandle_EvictRefusesInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{
		key:        textKey(),
		concurrent: true,
		invoke: func(ctx context.Context, _ types.Payload) (*types.ModalityResult, error) {
			close(started)
			<-release
			return &types.ModalityResult{Text: "done"}, nil
		},
	}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	done := make(chan types.ModalityResult, 1)
	go func() {
		done <- h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText})
	}()

	<-started
	if err := h.Evict(); !errors.Is(err, ErrHandleBusy) {
		t.Fatalf("expected ErrHandleBusy, got %v", err)
	}

	close(release)
	res := <-done
	if !res.OK {
		t.Fatalf("in-flight call should have survived eviction attempt: %v", res.Err)
	}
	if err := h.Evict(); err != nil {
		t.Fatalf("evict after drain failed: %v", err)
	}
	if h.State() != StateUnloaded {
		t.Fatalf("expected unloaded after evict, got %s", h.State())
	}
}

func TestHandle_SerializesNonConcurrentBackends(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	p := &fakeProvider{
		key:        textKey(),
		concurrent: false,
		invoke: func(ctx context.Context, _ types.Payload) (*types.ModalityResult, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			return &types.ModalityResult{Text: "ok"}, nil
		},
	}
	h := NewHandle(p, HandleConfig{}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Invoke(context.Background(), types.Payload{Modality: types.ModalityText})
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("non-concurrent backend saw %d parallel calls", maxInFlight.Load())
	}
}
