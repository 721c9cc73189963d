package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeask/internal/anthropic"
	"codeask/internal/logging"
)

func userTurn(text string) anthropic.Message {
	return anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{anthropic.TextBlock(text)}}
}

func assistantTurn(text string) anthropic.Message {
	return anthropic.Message{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{anthropic.TextBlock(text)}}
}

func TestManagerHistoryRoundTrip(t *testing.T) {
	m := NewManager(Config{TTL: time.Hour, MaxConcurrency: 2}, nil, logging.NewNop())

	id := m.NewID()
	if id == "" {
		t.Fatal("empty conversation ID")
	}
	if got := m.History(id); got != nil {
		t.Errorf("unknown conversation should have nil history, got %v", got)
	}

	history := []anthropic.Message{userTurn("q"), assistantTurn("a")}
	m.Update(id, history)

	got := m.History(id)
	if len(got) != 2 || got[1].Content[0].Text != "a" {
		t.Errorf("History = %+v", got)
	}

	// The returned slice is a copy; mutating it must not corrupt state.
	got[0] = assistantTurn("mutated")
	if m.History(id)[0].Role != anthropic.RoleUser {
		t.Error("history not isolated from caller mutation")
	}
}

func TestManagerExpiry(t *testing.T) {
	m := NewManager(Config{TTL: time.Minute, MaxConcurrency: 2}, nil, logging.NewNop())
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	id := m.NewID()
	m.Update(id, []anthropic.Message{userTurn("q")})

	now = now.Add(30 * time.Second)
	if m.History(id) == nil {
		t.Fatal("conversation expired before TTL")
	}

	// Access refreshed lastActive; expire from there.
	now = now.Add(61 * time.Second)
	if m.History(id) != nil {
		t.Error("conversation survived past TTL")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after expiry", m.ActiveCount())
	}
}

func TestManagerSweep(t *testing.T) {
	m := NewManager(Config{TTL: time.Minute, MaxConcurrency: 2}, nil, logging.NewNop())
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale := m.NewID()
	m.Update(stale, []anthropic.Message{userTurn("old")})

	now = now.Add(45 * time.Second)
	fresh := m.NewID()
	m.Update(fresh, []anthropic.Message{userTurn("new")})

	now = now.Add(30 * time.Second)
	if remaining := m.Sweep(); remaining != 1 {
		t.Errorf("Sweep remaining = %d, want 1", remaining)
	}
	if m.History(fresh) == nil {
		t.Error("fresh conversation swept")
	}
}

func TestManagerAcquireBounds(t *testing.T) {
	m := NewManager(Config{TTL: time.Hour, MaxConcurrency: 1}, nil, logging.NewNop())

	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx); err == nil {
		t.Fatal("second Acquire should block until timeout with concurrency 1")
	}

	release()
	release2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestStoreTranscriptRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "conversations.db"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	turns := []anthropic.Message{
		userTurn("what does main do?"),
		{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolUse, ID: "tu_1", Name: "mcp__serena__read_file", Input: []byte(`{"path":"main.go"}`)},
		}},
		{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{
			anthropic.ToolResultBlock("tu_1", "package main", false),
		}},
		assistantTurn("it starts the server"),
	}
	if err := store.AppendTurns("conv-1", 0, turns); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadTranscript("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("loaded %d turns, want 4", len(got))
	}
	if got[1].Content[0].Type != anthropic.BlockToolUse || got[1].Content[0].ID != "tu_1" {
		t.Errorf("tool_use turn = %+v", got[1])
	}
	if got[3].Content[0].Text != "it starts the server" {
		t.Errorf("final turn = %+v", got[3])
	}
}

func TestStoreAppendIdempotent(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "conversations.db"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	turns := []anthropic.Message{userTurn("q"), assistantTurn("a")}
	if err := store.AppendTurns("conv-1", 0, turns); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurns("conv-1", 0, turns); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadTranscript("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("loaded %d turns after duplicate append, want 2", len(got))
	}
}

func TestStorePrune(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "conversations.db"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.AppendTurns("conv-1", 0, []anthropic.Message{userTurn("q")}); err != nil {
		t.Fatal(err)
	}

	n, err := store.PruneBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	got, err := store.LoadTranscript("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("transcript still has %d turns after prune", len(got))
	}
}

func TestManagerPersistsNewTurns(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "conversations.db"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	m := NewManager(Config{TTL: time.Hour, MaxConcurrency: 2}, store, logging.NewNop())
	id := m.NewID()

	first := []anthropic.Message{userTurn("q1"), assistantTurn("a1")}
	m.Update(id, first)
	second := append(append([]anthropic.Message{}, first...), userTurn("q2"), assistantTurn("a2"))
	m.Update(id, second)

	got, err := store.LoadTranscript(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("persisted %d turns, want 4", len(got))
	}
	if got[2].Content[0].Text != "q2" {
		t.Errorf("turn 2 = %+v", got[2])
	}
}
