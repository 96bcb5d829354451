package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/registry"
	"github.com/modalkit/fuseflow/types"
)

type testModel struct {
	invoke func(ctx context.Context, p types.Payload) (*types.ModalityResult, error)
}

func (m testModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	if m.invoke != nil {
		return m.invoke(ctx, p)
	}
	return &types.ModalityResult{Text: "ok", Confidence: 1, Scores: map[string]float64{"score": 1}}, nil
}
func (m testModel) Close() error { return nil }

type testProvider struct {
	key       types.CapabilityKey
	loadDelay time.Duration
	invoke    func(ctx context.Context, p types.Payload) (*types.ModalityResult, error)
}

func (p *testProvider) Capability() types.CapabilityKey { return p.key }
func (p *testProvider) Concurrent() bool                { return true }
func (p *testProvider) Load(ctx context.Context) (backend.Model, error) {
	if p.loadDelay > 0 {
		time.Sleep(p.loadDelay)
	}
	return testModel{invoke: p.invoke}, nil
}

type testCatalog map[types.CapabilityKey]*testProvider

func (c testCatalog) Lookup(key types.CapabilityKey) (backend.Provider, bool) {
	p, ok := c[key]
	return p, ok
}

func (c testCatalog) add(m types.Modality, op string, invoke func(ctx context.Context, p types.Payload) (*types.ModalityResult, error)) {
	key := types.NewCapabilityKey(m, op)
	c[key] = &testProvider{key: key, invoke: invoke}
}

func newDispatcher(t *testing.T, cat testCatalog, opts Options) *Dispatcher {
	t.Helper()
	reg := registry.New(cat, registry.Config{}, zap.NewNop(), nil)
	return New(reg, opts, zap.NewNop(), nil)
}

func textInput(ops ...string) Input {
	return Input{Payload: types.Payload{Text: "the payload"}, Operations: ops}
}

func bytesInput(ops ...string) Input {
	return Input{Payload: types.Payload{Data: []byte{1, 2, 3}}, Operations: ops}
}

func TestDispatch_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, nil)
	cat.add(types.ModalityImage, types.OpCaption, func(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
		return nil, errors.New("decoder exploded")
	})
	cat.add(types.ModalityAudio, types.OpTranscribe, nil)

	d := newDispatcher(t, cat, DefaultOptions())
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityText:  textInput(),
		types.ModalityImage: bytesInput(),
		types.ModalityAudio: bytesInput(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	imageKey := types.NewCapabilityKey(types.ModalityImage, types.OpCaption)
	for key, res := range results {
		if key == imageKey {
			if res.OK || res.Err.Code != types.ErrBackendInvocation {
				t.Fatalf("expected image failure, got %+v", res)
			}
			continue
		}
		if !res.OK {
			t.Fatalf("sibling %s contaminated by image failure: %v", key, res.Err)
		}
	}
}

func TestDispatch_TimeoutDoesNotDelaySiblings(t *testing.T) {
	t.Parallel()

	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, nil)
	cat.add(types.ModalityVideo, types.OpFrames, func(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &types.ModalityResult{Text: "too late"}, nil
		}
	})

	opts := DefaultOptions()
	opts.Timeouts[types.ModalityVideo] = 30 * time.Millisecond

	d := newDispatcher(t, cat, opts)
	start := time.Now()
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityText:  textInput(),
		types.ModalityVideo: bytesInput(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("join took %v, timeout did not bound the slow call", elapsed)
	}

	videoKey := types.NewCapabilityKey(types.ModalityVideo, types.OpFrames)
	if res := results[videoKey]; res.OK || res.Err.Code != types.ErrBackendTimeout {
		t.Fatalf("expected BACKEND_TIMEOUT for video, got %+v", res)
	}
	textKey := types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
	if res := results[textKey]; !res.OK {
		t.Fatalf("text sibling failed: %v", res.Err)
	}
}

func TestDispatch_SlowLoadDoesNotDelaySiblings(t *testing.T) {
	t.Parallel()

	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, nil)
	videoKey := types.NewCapabilityKey(types.ModalityVideo, types.OpFrames)
	cat[videoKey] = &testProvider{key: videoKey, loadDelay: 2 * time.Second}

	opts := DefaultOptions()
	opts.Timeouts[types.ModalityVideo] = 30 * time.Millisecond

	d := newDispatcher(t, cat, opts)
	start := time.Now()
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityText:  textInput(),
		types.ModalityVideo: bytesInput(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("join took %v, a slow model load held the siblings hostage", elapsed)
	}

	if res := results[videoKey]; res.OK || res.Err.Code != types.ErrBackendTimeout {
		t.Fatalf("expected BACKEND_TIMEOUT for video, got %+v", res)
	}
	textKey := types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
	if res := results[textKey]; !res.OK {
		t.Fatalf("text sibling failed: %v", res.Err)
	}
}

func TestDispatch_CancellationPropagates(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, func(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := newDispatcher(t, cat, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocked
		cancel()
	}()

	results, err := d.Dispatch(ctx, Request{types.ModalityText: textInput()})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	key := types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
	res, ok := results[key]
	if !ok {
		t.Fatal("cancelled invocation must not be silently omitted")
	}
	if res.OK || res.Err.Code != types.ErrBackendCancelled {
		t.Fatalf("expected BACKEND_CANCELLED, got %+v", res)
	}
}

func TestDispatch_UnsupportedCapabilityIsolated(t *testing.T) {
	t.Parallel()

	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, nil)

	d := newDispatcher(t, cat, DefaultOptions())
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityText: textInput(types.OpEmbed, types.OpSentiment),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	sentiment := types.NewCapabilityKey(types.ModalityText, types.OpSentiment)
	if res := results[sentiment]; res.OK || res.Err.Code != types.ErrUnsupportedCapability {
		t.Fatalf("expected UNSUPPORTED_CAPABILITY, got %+v", res)
	}
	embed := types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
	if res := results[embed]; !res.OK {
		t.Fatalf("supported sibling failed: %v", res.Err)
	}
}

func TestDispatch_RejectsEmptyRequests(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, testCatalog{}, DefaultOptions())

	_, err := d.Dispatch(context.Background(), Request{})
	if !types.IsErrorCode(err, types.ErrInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for empty request, got %v", err)
	}

	_, err = d.Dispatch(context.Background(), Request{
		types.ModalityText: {Payload: types.Payload{}},
	})
	if !types.IsErrorCode(err, types.ErrInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for empty payloads, got %v", err)
	}
}

func TestDispatch_DefaultOperationsResolved(t *testing.T) {
	t.Parallel()

	cat := testCatalog{}
	cat.add(types.ModalityImage, types.OpCaption, nil)

	d := newDispatcher(t, cat, DefaultOptions())
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityImage: bytesInput(), // no explicit operations
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	key := types.NewCapabilityKey(types.ModalityImage, types.OpCaption)
	if res, ok := results[key]; !ok || !res.OK {
		t.Fatalf("default operation not resolved: %+v", results)
	}
}

func TestDispatch_RespectsMaxInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	track := func(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &types.ModalityResult{Text: "ok"}, nil
	}

	cat := testCatalog{}
	cat.add(types.ModalityText, types.OpEmbed, track)
	cat.add(types.ModalityText, types.OpSentiment, track)
	cat.add(types.ModalityText, types.OpSummarize, track)
	cat.add(types.ModalityImage, types.OpCaption, track)
	cat.add(types.ModalityImage, types.OpDetect, track)
	cat.add(types.ModalityAudio, types.OpTranscribe, track)

	opts := DefaultOptions()
	opts.MaxInFlight = 2

	d := newDispatcher(t, cat, opts)
	results, err := d.Dispatch(context.Background(), Request{
		types.ModalityText:  textInput(types.OpEmbed, types.OpSentiment, types.OpSummarize),
		types.ModalityImage: bytesInput(types.OpCaption, types.OpDetect),
		types.ModalityAudio: bytesInput(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("max in-flight exceeded: %d", got)
	}
}
