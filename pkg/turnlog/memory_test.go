package turnlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/turnlog"
)

func TestMemoryStore_Find(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := turnlog.NewMemoryStore(10)
	turns := []turnlog.Turn{
		{SessionID: "a", At: base, UserText: "what time is it", Reply: "It is noon."},
		{SessionID: "a", At: base.Add(time.Minute), UserText: "cât e ceasul", Reply: "Este prânzul."},
		{SessionID: "b", At: base.Add(2 * time.Minute), UserText: "tell me a joke", Reply: "No."},
	}
	for _, tr := range turns {
		if err := s.Append(ctx, tr); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name  string
		q     turnlog.Query
		wantN int
		first string
	}{
		{"all newest first", turnlog.Query{}, 3, "tell me a joke"},
		{"session", turnlog.Query{SessionID: "a"}, 2, "cât e ceasul"},
		{"text in reply", turnlog.Query{Text: "NOON"}, 1, "what time is it"},
		{"since", turnlog.Query{Since: base.Add(30 * time.Second)}, 2, "tell me a joke"},
		{"limit", turnlog.Query{Limit: 1}, 1, "tell me a joke"},
		{"no match", turnlog.Query{SessionID: "zzz"}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Find(ctx, tt.q)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if len(got) != tt.wantN {
				t.Fatalf("len = %d, want %d", len(got), tt.wantN)
			}
			if tt.wantN > 0 && got[0].UserText != tt.first {
				t.Errorf("first = %q, want %q", got[0].UserText, tt.first)
			}
			if got == nil {
				t.Error("Find returned nil slice, want empty")
			}
		})
	}
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := turnlog.NewMemoryStore(2)
	for _, txt := range []string{"one", "two", "three"} {
		_ = s.Append(ctx, turnlog.Turn{UserText: txt})
	}
	got, _ := s.Find(ctx, turnlog.Query{})
	if len(got) != 2 || got[0].UserText != "three" || got[1].UserText != "two" {
		t.Errorf("turns = %+v, want [three two]", got)
	}
}
