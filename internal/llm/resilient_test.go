package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubClient returns canned responses and records how many times it was
// called.
type stubClient struct {
	resp  *ChatResponse
	err   error
	calls int
}

func (s *stubClient) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	s.calls++
	return s.resp, s.err
}

func TestResilientFallsBackOnError(t *testing.T) {
	failing := &stubClient{err: errors.New("connection refused")}
	healthy := &stubClient{resp: &ChatResponse{Content: "hello", FinishReason: FinishStop}}

	r := NewResilient([]Provider{
		{Name: "primary", Client: failing, Model: "model-a"},
		{Name: "backup", Client: healthy, Model: "model-b"},
	}, 3, time.Minute, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
	if failing.calls != 1 || healthy.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", failing.calls, healthy.calls)
	}
}

func TestResilientErrorFinishCountsAsFailure(t *testing.T) {
	bad := &stubClient{resp: &ChatResponse{Content: "oops", FinishReason: FinishError}}
	good := &stubClient{resp: &ChatResponse{Content: "fine", FinishReason: FinishStop}}

	r := NewResilient([]Provider{
		{Name: "a", Client: bad, Model: "m"},
		{Name: "b", Client: good, Model: "m"},
	}, 3, time.Minute, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "fine" {
		t.Errorf("Content = %q, want fallback response", resp.Content)
	}
	if r.HealthStatus()["a"].Failures != 1 {
		t.Errorf("failures for a = %d, want 1", r.HealthStatus()["a"].Failures)
	}
}

func TestResilientOpensCircuitAfterMaxFailures(t *testing.T) {
	failing := &stubClient{err: errors.New("boom")}
	healthy := &stubClient{resp: &ChatResponse{Content: "ok", FinishReason: FinishStop}}

	r := NewResilient([]Provider{
		{Name: "flaky", Client: failing, Model: "m"},
		{Name: "steady", Client: healthy, Model: "m"},
	}, 2, time.Hour, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
	}

	// First two rounds hit the flaky provider; the third should skip it
	// because the circuit is open.
	if failing.calls != 2 {
		t.Errorf("flaky calls = %d, want 2", failing.calls)
	}
	if healthy.calls != 3 {
		t.Errorf("steady calls = %d, want 3", healthy.calls)
	}
}

func TestResilientHalfOpenAfterCooldown(t *testing.T) {
	failing := &stubClient{err: errors.New("boom")}
	r := NewResilient([]Provider{
		{Name: "only", Client: failing, Model: "m"},
	}, 1, 20*time.Millisecond, nil)

	r.Chat(context.Background(), ChatRequest{}) // opens the circuit
	r.Chat(context.Background(), ChatRequest{}) // skipped
	if failing.calls != 1 {
		t.Fatalf("calls = %d, want 1 while circuit open", failing.calls)
	}

	time.Sleep(30 * time.Millisecond)
	r.Chat(context.Background(), ChatRequest{}) // probe allowed through
	if failing.calls != 2 {
		t.Errorf("calls = %d, want 2 after cooldown", failing.calls)
	}
}

func TestResilientSuccessResetsFailures(t *testing.T) {
	flaky := &stubClient{err: errors.New("boom")}
	r := NewResilient([]Provider{
		{Name: "p", Client: flaky, Model: "m"},
	}, 3, time.Minute, nil)

	r.Chat(context.Background(), ChatRequest{})
	r.Chat(context.Background(), ChatRequest{})
	if got := r.HealthStatus()["p"].Failures; got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}

	flaky.err = nil
	flaky.resp = &ChatResponse{Content: "back", FinishReason: FinishStop}
	r.Chat(context.Background(), ChatRequest{})
	if got := r.HealthStatus()["p"].Failures; got != 0 {
		t.Errorf("failures = %d, want 0 after success", got)
	}
}

func TestResilientExhaustedChainApologizes(t *testing.T) {
	r := NewResilient([]Provider{
		{Name: "a", Client: &stubClient{err: errors.New("down")}, Model: "m"},
		{Name: "b", Client: &stubClient{err: errors.New("down too")}, Model: "m"},
	}, 3, time.Minute, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat() must not return an error, got %v", err)
	}
	if resp.FinishReason != FinishError {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishError)
	}
	if resp.Content == "" {
		t.Error("expected an apology message")
	}
}

func TestResilientModelOverrideOnlyForPrimary(t *testing.T) {
	var primaryModel, backupModel string
	primary := clientFunc(func(_ context.Context, req ChatRequest) (*ChatResponse, error) {
		primaryModel = req.Model
		return nil, errors.New("down")
	})
	backup := clientFunc(func(_ context.Context, req ChatRequest) (*ChatResponse, error) {
		backupModel = req.Model
		return &ChatResponse{Content: "ok", FinishReason: FinishStop}, nil
	})

	r := NewResilient([]Provider{
		{Name: "primary", Client: primary, Model: "default-a"},
		{Name: "backup", Client: backup, Model: "default-b"},
	}, 3, time.Minute, nil)

	if _, err := r.Chat(context.Background(), ChatRequest{Model: "override"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if primaryModel != "override" {
		t.Errorf("primary model = %q, want %q", primaryModel, "override")
	}
	if backupModel != "default-b" {
		t.Errorf("backup model = %q, want %q", backupModel, "default-b")
	}
}

type clientFunc func(context.Context, ChatRequest) (*ChatResponse, error)

func (f clientFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

func TestResilientHealthCounters(t *testing.T) {
	failing := &stubClient{err: errors.New("boom")}
	healthy := &stubClient{resp: &ChatResponse{Content: "ok", FinishReason: FinishStop}}

	r := NewResilient([]Provider{
		{Name: "primary", Client: failing, Model: "a"},
		{Name: "backup", Client: healthy, Model: "b"},
	}, 3, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}

	health := r.HealthStatus()
	if h := health["primary"]; h.TotalCalls != 2 || h.TotalErrors != 2 {
		t.Errorf("primary counters = %d/%d, want 2/2", h.TotalCalls, h.TotalErrors)
	}
	if h := health["backup"]; h.TotalCalls != 2 || h.TotalErrors != 0 {
		t.Errorf("backup counters = %d/%d, want 2/0", h.TotalCalls, h.TotalErrors)
	}
	if r.Current() != "backup" {
		t.Errorf("Current() = %q, want backup", r.Current())
	}
}
