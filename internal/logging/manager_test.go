package logging

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLogAndRecent(t *testing.T) {
	m := NewManager(nil, 0)

	m.Info("dispatcher", "claimed task", map[string]interface{}{"task_id": "t-1"})
	m.Error("engine", "spawn failed", map[string]interface{}{"task_id": "t-2"})

	entries := m.Recent(Filters{})
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	// Newest first.
	if entries[0].Message != "spawn failed" || entries[1].Message != "claimed task" {
		t.Errorf("wrong order: %q, %q", entries[0].Message, entries[1].Message)
	}
	if entries[0].Level != LevelError || entries[0].Source != "engine" {
		t.Errorf("got %s/%s", entries[0].Level, entries[0].Source)
	}
	if entries[0].ID == entries[1].ID {
		t.Error("entry ids should be unique")
	}
}

func TestRecentFilters(t *testing.T) {
	m := NewManager(nil, 0)

	m.Info("dispatcher", "claimed", map[string]interface{}{"task_id": "t-1", "agent_key": "claude"})
	m.Warn("engine", "slow flush", map[string]interface{}{"task_id": "t-1"})
	m.Info("engine", "finished", map[string]interface{}{"task_id": "t-2", "agent_key": "aider"})

	tests := []struct {
		name    string
		filters Filters
		want    int
	}{
		{"all", Filters{}, 3},
		{"by level", Filters{Level: LevelWarn}, 1},
		{"by source", Filters{Source: "engine"}, 2},
		{"by task", Filters{TaskID: "t-1"}, 2},
		{"by agent", Filters{AgentKey: "claude"}, 1},
		{"task and source", Filters{TaskID: "t-1", Source: "engine"}, 1},
		{"no match", Filters{TaskID: "t-9"}, 0},
		{"limit", Filters{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Recent(tt.filters); len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRecentTimeWindow(t *testing.T) {
	m := NewManager(nil, 0)

	m.Info("engine", "old", nil)
	time.Sleep(5 * time.Millisecond)
	cut := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	m.Info("engine", "new", nil)

	entries := m.Recent(Filters{Since: cut})
	if len(entries) != 1 || entries[0].Message != "new" {
		t.Errorf("since filter: got %v", entries)
	}
	entries = m.Recent(Filters{Until: cut})
	if len(entries) != 1 || entries[0].Message != "old" {
		t.Errorf("until filter: got %v", entries)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(nil, 3)

	for i := 1; i <= 5; i++ {
		m.Info("engine", fmt.Sprintf("event %d", i), nil)
	}

	entries := m.Recent(Filters{})
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"event 5", "event 4", "event 3"} {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestHandlersReceiveEntries(t *testing.T) {
	m := NewManager(nil, 0)

	received := make(chan Entry, 1)
	m.AddHandler(func(e Entry) { received <- e })

	m.Info("dispatcher", "claimed task", map[string]interface{}{"task_id": "t-1"})

	select {
	case e := <-received:
		if e.Source != "dispatcher" || e.Message != "claimed task" {
			t.Errorf("got %s/%q", e.Source, e.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestQueryWithoutDatabaseFallsBack(t *testing.T) {
	m := NewManager(nil, 0)
	m.Info("engine", "finished", nil)

	entries, err := m.Query(context.Background(), Filters{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries", len(entries))
	}
}

func TestInterceptWriterParsesComponentPrefix(t *testing.T) {
	m := NewManager(nil, 0)
	w := &interceptWriter{manager: m}

	lines := []string{
		"2026/08/29 12:00:00 [Dispatcher] Claimed task t-1\n",
		"[Engine] Failed to set status\n",
		"plain message with no prefix\n",
	}
	for _, line := range lines {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	entries := m.Recent(Filters{})
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	// Newest first: plain, engine, dispatcher.
	if entries[2].Source != "dispatcher" || entries[2].Message != "Claimed task t-1" {
		t.Errorf("got %s/%q", entries[2].Source, entries[2].Message)
	}
	if entries[2].Level != LevelInfo {
		t.Errorf("got level %s", entries[2].Level)
	}
	if entries[1].Source != "engine" || entries[1].Level != LevelError {
		t.Errorf("got %s/%s", entries[1].Source, entries[1].Level)
	}
	if entries[0].Source != "system" {
		t.Errorf("got source %s", entries[0].Source)
	}
}
