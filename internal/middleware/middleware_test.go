package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkhubhq/linkhub/internal/agent"
	"github.com/linkhubhq/linkhub/internal/channel"
)

type fakeResolver struct {
	cfg channel.Config
	ok  bool
}

func (f *fakeResolver) ResolveThread(threadID string) (channel.Config, bool) {
	return f.cfg, f.ok
}

type fakeUsage struct {
	mu        sync.Mutex
	counts    map[string]int
	countErr  error
	increment chan struct{}
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{counts: map[string]int{}, increment: make(chan struct{}, 16)}
}

func (f *fakeUsage) Count(ctx context.Context, tenantKey, day string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[tenantKey], nil
}

func (f *fakeUsage) Increment(ctx context.Context, tenantKey, day string) error {
	f.mu.Lock()
	f.counts[tenantKey]++
	f.mu.Unlock()
	f.increment <- struct{}{}
	return nil
}

func waitIncrement(t *testing.T, f *fakeUsage) {
	t.Helper()
	select {
	case <-f.increment:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for usage increment")
	}
}

func passthrough(result agent.RunResult) agent.Invoker {
	return func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
		return result, nil
	}
}

func TestLLMInjectionSetsForwardedProp(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		cfg: channel.Config{
			ID: "conn-1",
			Metadata: map[string]any{
				channel.MetaLLMConfig: map[string]any{"provider": "openai", "apiKey": "sk-test"},
			},
		},
		ok: true,
	}
	var seen agent.RunInput
	invoke := LLMInjection(resolver, nil)(func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
		seen = input
		return agent.RunResult{Text: "ok"}, nil
	})

	original := map[string]any{"existing": "kept"}
	if _, err := invoke(context.Background(), agent.RunInput{ThreadID: "conn-1", ForwardedProps: original}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	llm, ok := seen.ForwardedProps[channel.MetaLLMConfig].(map[string]any)
	if !ok || llm["provider"] != "openai" {
		t.Fatalf("llm config not injected: %#v", seen.ForwardedProps)
	}
	if seen.ForwardedProps["existing"] != "kept" {
		t.Fatal("existing forwarded props dropped")
	}
	if _, leaked := original[channel.MetaLLMConfig]; leaked {
		t.Fatal("caller's forwarded props map was mutated")
	}
}

func TestLLMInjectionPassthroughWithoutConfig(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1"}, ok: true}
	invoke := LLMInjection(resolver, nil)(func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
		if _, ok := input.ForwardedProps[channel.MetaLLMConfig]; ok {
			t.Error("unexpected llm config injection")
		}
		return agent.RunResult{}, nil
	})
	if _, err := invoke(context.Background(), agent.RunInput{ThreadID: "conn-1"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestRateLimitAllowsUnderLimit(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1", UserID: "tenant-1"}, ok: true}
	usage := newFakeUsage()
	invoke := RateLimit(resolver, usage, 5, nil)(passthrough(agent.RunResult{Text: "real reply"}))

	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Text != "real reply" {
		t.Fatalf("Text = %q", result.Text)
	}
	waitIncrement(t, usage)
	if usage.counts["tenant-1"] != 1 {
		t.Fatalf("count = %d, want 1", usage.counts["tenant-1"])
	}
}

func TestRateLimitShortCircuitsAtLimit(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1", UserID: "tenant-1"}, ok: true}
	usage := newFakeUsage()
	limit := 3
	usage.counts["tenant-1"] = limit

	nextCalled := false
	invoke := RateLimit(resolver, usage, limit, nil)(func(ctx context.Context, input agent.RunInput) (agent.RunResult, error) {
		nextCalled = true
		return agent.RunResult{Text: "should not run"}, nil
	})

	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if nextCalled {
		t.Fatal("agent must not be invoked at the limit")
	}
	if result.Text != LimitExceededText {
		t.Fatalf("Text = %q, want limit message", result.Text)
	}
	if usage.counts["tenant-1"] != limit {
		t.Fatalf("short-circuited request must not increment, count = %d", usage.counts["tenant-1"])
	}
}

func TestRateLimitSequence(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1", UserID: "tenant-1"}, ok: true}
	usage := newFakeUsage()
	limit := 2
	invoke := RateLimit(resolver, usage, limit, nil)(passthrough(agent.RunResult{Text: "ok"}))

	for i := 0; i < limit; i++ {
		result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"})
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if result.Text != "ok" {
			t.Fatalf("request %d short-circuited early", i+1)
		}
		waitIncrement(t, usage)
	}

	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"})
	if err != nil {
		t.Fatalf("request %d: %v", limit+1, err)
	}
	if result.Text != LimitExceededText {
		t.Fatalf("request %d should hit the limit, got %q", limit+1, result.Text)
	}
}

func TestRateLimitPerConnectionOverride(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		cfg: channel.Config{
			ID:       "conn-1",
			UserID:   "tenant-1",
			Metadata: map[string]any{channel.MetaDailyRequestLimit: float64(1)},
		},
		ok: true,
	}
	usage := newFakeUsage()
	invoke := RateLimit(resolver, usage, 100, nil)(passthrough(agent.RunResult{Text: "ok"}))

	if result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"}); err != nil || result.Text != "ok" {
		t.Fatalf("first request: %v %q", err, result.Text)
	}
	waitIncrement(t, usage)
	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if result.Text != LimitExceededText {
		t.Fatal("override limit of 1 not enforced")
	}
}

func TestRateLimitCountErrorFailsRun(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1", UserID: "tenant-1"}, ok: true}
	usage := newFakeUsage()
	usage.countErr = errors.New("db down")
	invoke := RateLimit(resolver, usage, 5, nil)(passthrough(agent.RunResult{Text: "ok"}))

	if _, err := invoke(context.Background(), agent.RunInput{ThreadID: "tenant-1"}); err == nil {
		t.Fatal("expected error when usage count fails")
	}
}

func TestRateLimitSkipsTenantlessConnections(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{cfg: channel.Config{ID: "conn-1"}, ok: true}
	usage := newFakeUsage()
	usage.countErr = errors.New("must not be consulted")
	invoke := RateLimit(resolver, usage, 1, nil)(passthrough(agent.RunResult{Text: "ok"}))

	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "conn-1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Text != "ok" {
		t.Fatal("tenant-less connections must bypass the limiter")
	}
}

func TestRateLimitUnresolvedThreadPassesThrough(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	usage := newFakeUsage()
	invoke := RateLimit(resolver, usage, 0, nil)(passthrough(agent.RunResult{Text: "ok"}))

	result, err := invoke(context.Background(), agent.RunInput{ThreadID: "unknown"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Text != "ok" {
		t.Fatal("unresolved threads must bypass the limiter")
	}
}
