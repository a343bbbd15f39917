package conversation

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLog(cfg Config) (*Log, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
	l := NewLog(cfg)
	l.now = clk.Now
	return l, clk
}

func TestAdd_TimestampsAtAppend(t *testing.T) {
	l, clk := newTestLog(Config{})

	first := l.Add(RoleUser, "hola")
	clk.Advance(3 * time.Second)
	second := l.Add(RoleAssistant, "muy bien")

	if !first.Timestamp.Equal(clk.t.Add(-3 * time.Second)) {
		t.Errorf("first timestamp = %v, want append time", first.Timestamp)
	}
	if !second.Timestamp.Equal(clk.t) {
		t.Errorf("second timestamp = %v, want %v", second.Timestamp, clk.t)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Errorf("entry IDs not unique: %q vs %q", first.ID, second.ID)
	}
}

func TestCompaction_TriggersPastThreshold(t *testing.T) {
	l, _ := newTestLog(Config{Threshold: 20, Keep: 10})

	for i := 0; i < 21; i++ {
		l.Add(RoleUser, fmt.Sprintf("practicing subjunctive conjugation drill %d", i))
	}

	if got := l.Len(); got != 10 {
		t.Fatalf("Len() after compaction = %d, want 10", got)
	}
	if l.Summary() == "" {
		t.Fatal("summary empty after compaction")
	}

	// The retained tail is the most recent ten entries, verbatim.
	history := l.History()
	if want := "practicing subjunctive conjugation drill 11"; history[0].Text != want {
		t.Errorf("history[0].Text = %q, want %q", history[0].Text, want)
	}
	if want := "practicing subjunctive conjugation drill 20"; history[9].Text != want {
		t.Errorf("history[9].Text = %q, want %q", history[9].Text, want)
	}
}

func TestCompaction_NeverExceedsThreshold(t *testing.T) {
	l, _ := newTestLog(Config{})

	for i := 0; i < 100; i++ {
		l.Add(RoleAssistant, fmt.Sprintf("turn %d about travel vocabulary", i))
		if got := l.Len(); got > 20 {
			t.Fatalf("Len() = %d after insert %d, want <= 20", got, i)
		}
	}
}

func TestSummary_ContainsTopicKeywords(t *testing.T) {
	l, _ := newTestLog(Config{Threshold: 4, Keep: 2})

	l.Add(RoleUser, "can we practice the subjunctive today")
	l.Add(RoleAssistant, "sure, the subjunctive mood follows verbs of doubt")
	l.Add(RoleUser, "subjunctive endings confuse me with conditional endings")
	l.Add(RoleAssistant, "the conditional uses the infinitive stem")
	l.Add(RoleUser, "one more subjunctive example please")

	summary := l.Summary()
	if summary == "" {
		t.Fatal("summary empty after compaction")
	}
	if !strings.Contains(summary, "subjunctive") {
		t.Errorf("summary %q missing dominant keyword", summary)
	}
	if strings.Contains(summary, " the,") || strings.HasSuffix(summary, " the.") {
		t.Errorf("summary %q contains stopword", summary)
	}
}

func TestSummary_AccumulatesAcrossCompactions(t *testing.T) {
	l, _ := newTestLog(Config{Threshold: 4, Keep: 2})

	for i := 0; i < 5; i++ {
		l.Add(RoleUser, "ordering food restaurant vocabulary")
	}
	first := l.Summary()

	for i := 0; i < 5; i++ {
		l.Add(RoleUser, "asking directions metro station")
	}
	second := l.Summary()

	if !strings.HasPrefix(second, strings.TrimSuffix(first, ".")) {
		t.Errorf("second summary %q does not extend first %q", second, first)
	}
	if !strings.Contains(second, "directions") {
		t.Errorf("second summary %q missing new topic", second)
	}
}

func TestSummary_FallbackWhenNoKeywords(t *testing.T) {
	l, _ := newTestLog(Config{Threshold: 3, Keep: 1})

	l.Add(RoleUser, "ok")
	l.Add(RoleAssistant, "ya")
	l.Add(RoleUser, "no")
	l.Add(RoleAssistant, "si")

	if s := l.Summary(); s == "" {
		t.Fatal("summary empty; want exchange-count fallback")
	} else if !strings.Contains(s, "exchanges") {
		t.Errorf("summary = %q, want exchange-count fallback", s)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	l, _ := newTestLog(Config{})
	l.Add(RoleUser, "original")

	history := l.History()
	history[0].Text = "mutated"

	if got := l.History()[0].Text; got != "original" {
		t.Errorf("internal entry mutated through History copy: %q", got)
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	l, _ := newTestLog(Config{Threshold: 3, Keep: 1})
	for i := 0; i < 6; i++ {
		l.Add(RoleUser, "weather seasons vocabulary review")
	}
	if l.Summary() == "" {
		t.Fatal("precondition: expected a summary before reset")
	}

	l.Reset()

	if l.Len() != 0 {
		t.Errorf("Len() = %d after reset, want 0", l.Len())
	}
	if l.Summary() != "" {
		t.Errorf("Summary() = %q after reset, want empty", l.Summary())
	}

	// Keywords retired before the reset may be extracted again.
	for i := 0; i < 4; i++ {
		l.Add(RoleUser, "weather seasons vocabulary review")
	}
	if !strings.Contains(l.Summary(), "weather") {
		t.Errorf("summary %q missing keyword after reset", l.Summary())
	}
}

func TestNewLog_ClampsConfig(t *testing.T) {
	l := NewLog(Config{Threshold: 6, Keep: 9})

	for i := 0; i < 7; i++ {
		l.Add(RoleUser, fmt.Sprintf("entry %d", i))
	}
	// Keep was clamped below the threshold, so compaction still shrinks.
	if got := l.Len(); got >= 7 {
		t.Errorf("Len() = %d, want compacted below 7", got)
	}
}
