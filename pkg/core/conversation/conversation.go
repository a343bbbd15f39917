// Package conversation keeps a bounded transcript of a voice session.
//
// Entries append verbatim until the log crosses its threshold; the overflow
// beyond a retained tail is then compacted into a rolling textual summary,
// keeping prompt size bounded for long sessions while preserving recent
// context verbatim and gist-level context from earlier turns.
package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single conversation turn. Entries are immutable once created.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Config bounds the log.
type Config struct {
	// Threshold is the entry count that triggers compaction. Default 20.
	Threshold int
	// Keep is the number of most recent entries retained verbatim through a
	// compaction. Default 10.
	Keep int
	// MaxKeywords caps how many topic keywords one compaction folds into
	// the summary. Default 8.
	MaxKeywords int
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		Threshold:   20,
		Keep:        10,
		MaxKeywords: 8,
	}
}

// stopwords are excluded from topic keyword extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true,
	"for": true, "you": true, "your": true, "was": true, "were": true,
	"have": true, "has": true, "had": true, "are": true, "not": true,
	"but": true, "can": true, "what": true, "how": true, "about": true,
	"just": true, "like": true, "okay": true, "yes": true, "yeah": true,
	"its": true, "it's": true, "i'm": true, "don't": true, "let's": true,
}

// Log is a bounded, summarizing conversation transcript. Safe for
// concurrent use.
type Log struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry
	summary string
	seen    map[string]bool

	now func() time.Time
}

// NewLog creates a log. Zero or negative config fields fall back to
// DefaultConfig values; Keep is clamped below Threshold.
func NewLog(cfg Config) *Log {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Keep <= 0 {
		cfg.Keep = def.Keep
	}
	if cfg.Keep >= cfg.Threshold {
		cfg.Keep = cfg.Threshold / 2
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = def.MaxKeywords
	}
	return &Log{
		cfg:  cfg,
		seen: make(map[string]bool),
		now:  time.Now,
	}
}

// Add appends a turn, timestamped at append time, and compacts the log if
// it crossed the threshold. The created entry is returned.
func (l *Log) Add(role Role, text string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        ulid.Make().String(),
		Role:      role,
		Text:      text,
		Timestamp: l.now(),
	}
	l.entries = append(l.entries, entry)

	if len(l.entries) > l.cfg.Threshold {
		l.compactLocked()
	}
	return entry
}

// History returns a copy of the retained entries in order.
func (l *Log) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Summary returns the accumulated summary of compacted turns. Empty until
// the first compaction.
func (l *Log) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}

// Len returns the current number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset discards all entries and the summary.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.summary = ""
	l.seen = make(map[string]bool)
}

// compactLocked folds everything before the retained tail into the summary.
func (l *Log) compactLocked() {
	cut := len(l.entries) - l.cfg.Keep
	overflow := l.entries[:cut]

	keywords := l.extractKeywordsLocked(overflow)
	var fragment string
	if len(keywords) > 0 {
		fragment = strings.Join(keywords, ", ")
	} else {
		fragment = fmt.Sprintf("%d earlier exchanges", len(overflow))
	}

	if l.summary == "" {
		l.summary = "Earlier in the session: " + fragment + "."
	} else {
		l.summary = strings.TrimSuffix(l.summary, ".") + "; " + fragment + "."
	}

	tail := make([]Entry, l.cfg.Keep)
	copy(tail, l.entries[cut:])
	l.entries = tail
}

// extractKeywordsLocked ranks overflow tokens by frequency, dropping
// stopwords, short tokens, and keywords already folded into the summary.
func (l *Log) extractKeywordsLocked(overflow []Entry) []string {
	freq := make(map[string]int)
	order := make(map[string]int)
	next := 0

	for _, e := range overflow {
		for _, tok := range tokenize(e.Text) {
			if len(tok) < 3 || stopwords[tok] || l.seen[tok] {
				continue
			}
			if _, ok := freq[tok]; !ok {
				order[tok] = next
				next++
			}
			freq[tok]++
		}
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return order[words[i]] < order[words[j]]
	})

	if len(words) > l.cfg.MaxKeywords {
		words = words[:l.cfg.MaxKeywords]
	}
	for _, w := range words {
		l.seen[w] = true
	}
	return words
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
