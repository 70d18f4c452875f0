package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// FakeResult scripts the behavior of one fake sandbox.
type FakeResult struct {
	Delay     time.Duration
	Reason    WaitReason
	ExitCode  int
	Stdout    string
	Stderr    string
	CreateErr error
	StartErr  error
}

// FakeDriver is an in-process Driver for tests. Results are scripted per
// evaluation id; unscripted ids complete immediately with exit 0.
type FakeDriver struct {
	mu      sync.Mutex
	results map[string]FakeResult
	boxes   map[string]*fakeBox
}

type fakeBox struct {
	evalID    string
	result    FakeResult
	started   bool
	destroyed bool

	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}

	// outcome is valid once done is closed.
	outcome WaitResult
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		results: make(map[string]FakeResult),
		boxes:   make(map[string]*fakeBox),
	}
}

// Script fixes the result for a future sandbox of the given evaluation.
func (f *FakeDriver) Script(evalID string, r FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[evalID] = r
}

func (f *FakeDriver) Create(ctx context.Context, spec Spec) (Handle, error) {
	if _, err := LookupProfile(spec.Language, nil); err != nil {
		return Handle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.results[spec.EvalID]
	if r.CreateErr != nil {
		return Handle{}, r.CreateErr
	}
	if r.Reason == "" {
		r.Reason = ReasonNormal
	}

	id := "fake-" + spec.EvalID
	f.boxes[id] = &fakeBox{
		evalID: spec.EvalID,
		result: r,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	return Handle{ID: id}, nil
}

func (f *FakeDriver) box(h Handle) (*fakeBox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[h.ID]
	if !ok {
		return nil, fmt.Errorf("fake sandbox %s not found", h.ID)
	}
	return b, nil
}

func (f *FakeDriver) Start(ctx context.Context, h Handle) error {
	b, err := f.box(h)
	if err != nil {
		return err
	}
	if b.result.StartErr != nil {
		return b.result.StartErr
	}

	f.mu.Lock()
	b.started = true
	f.mu.Unlock()

	go func() {
		delay := b.result.Delay
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			b.outcome = WaitResult{Reason: b.result.Reason, ExitCode: b.result.ExitCode}
		case <-b.killed:
			b.outcome = WaitResult{Reason: ReasonKilled, ExitCode: 137}
		}
		close(b.done)
	}()
	return nil
}

func (f *FakeDriver) Wait(ctx context.Context, h Handle, timeout time.Duration) (WaitResult, error) {
	b, err := f.box(h)
	if err != nil {
		return WaitResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return b.outcome, nil
	case <-timer.C:
		f.Kill(ctx, h)
		<-b.done
		return WaitResult{Reason: ReasonTimeout, ExitCode: 124}, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (f *FakeDriver) StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	b, err := f.box(h)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		select {
		case <-b.done:
			io.Copy(pw, strings.NewReader(b.result.Stdout+b.result.Stderr))
			pw.Close()
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
		}
	}()
	return pr, nil
}

func (f *FakeDriver) Kill(ctx context.Context, h Handle) error {
	b, err := f.box(h)
	if err != nil {
		return nil
	}
	b.killOnce.Do(func() { close(b.killed) })
	return nil
}

func (f *FakeDriver) Destroy(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.boxes[h.ID]; ok {
		b.destroyed = true
	}
	return nil
}

func (f *FakeDriver) Alive(ctx context.Context, h Handle) (bool, error) {
	f.mu.Lock()
	b, ok := f.boxes[h.ID]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !b.started || b.destroyed {
		return false, nil
	}
	select {
	case <-b.done:
		return false, nil
	default:
		return true, nil
	}
}

func (f *FakeDriver) Output(ctx context.Context, h Handle) (Output, error) {
	b, err := f.box(h)
	if err != nil {
		return Output{}, err
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
	return Output{Stdout: b.result.Stdout, Stderr: b.result.Stderr}, nil
}

// Destroyed reports whether the sandbox for evalID was destroyed. Test
// helper.
func (f *FakeDriver) Destroyed(evalID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes["fake-"+evalID]
	return ok && b.destroyed
}
