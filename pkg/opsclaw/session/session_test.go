package session

import (
	"fmt"
	"testing"
)

func TestAddMessageEvictsOldestFirst(t *testing.T) {
	s := New("cli:direct", 3)
	for i := 1; i <= 5; i++ {
		s.AddMessage("user", fmt.Sprintf("m%d", i))
		if s.Len() > 3 {
			t.Fatalf("after %d appends len = %d, exceeds bound", i, s.Len())
		}
	}
	want := []string{"m3", "m4", "m5"}
	for i, m := range s.Messages {
		if m.Content != want[i] {
			t.Errorf("Messages[%d] = %q, want %q", i, m.Content, want[i])
		}
		if m.Timestamp.IsZero() {
			t.Errorf("Messages[%d] has no timestamp", i)
		}
	}
}

func TestSetMaxMessagesTrims(t *testing.T) {
	s := New("k", 10)
	for i := 0; i < 6; i++ {
		s.AddMessage("user", fmt.Sprint(i))
	}
	s.SetMaxMessages(2)
	if s.Len() != 2 || s.Messages[0].Content != "4" {
		t.Errorf("messages = %+v", s.Messages)
	}
}

func TestHistory(t *testing.T) {
	s := New("k", 10)
	roles := []string{"user", "assistant", "user", "assistant"}
	for i, r := range roles {
		s.AddMessage(r, fmt.Sprintf("c%d", i))
	}

	tests := []struct {
		n    int
		want []string
	}{
		{0, nil},
		{-1, nil},
		{2, []string{"c2", "c3"}},
		{4, []string{"c0", "c1", "c2", "c3"}},
		{50, []string{"c0", "c1", "c2", "c3"}},
	}
	for _, tt := range tests {
		got := s.History(tt.n)
		if got == nil {
			t.Fatalf("History(%d) returned nil", tt.n)
		}
		if len(got) != len(tt.want) {
			t.Errorf("History(%d) len = %d, want %d", tt.n, len(got), len(tt.want))
			continue
		}
		for i, m := range got {
			if m.Content != tt.want[i] {
				t.Errorf("History(%d)[%d] = %q, want %q", tt.n, i, m.Content, tt.want[i])
			}
		}
	}

	if got := s.History(2); got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", got[0].Role, got[1].Role)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("k", 10)
	s.AddMessageWithMetadata("user", "hi", map[string]any{"sender": "u1"})
	c := s.Clone()
	c.AddMessage("assistant", "yo")
	c.Messages[0].Metadata["sender"] = "changed"

	if s.Len() != 1 {
		t.Errorf("original len = %d", s.Len())
	}
	if s.Messages[0].Metadata["sender"] != "u1" {
		t.Error("clone shares metadata with original")
	}
}

func TestClear(t *testing.T) {
	s := New("k", 10)
	s.AddMessage("user", "x")
	s.Clear()
	if s.Len() != 0 || s.Messages == nil {
		t.Errorf("messages = %#v", s.Messages)
	}
}
