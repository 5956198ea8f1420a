package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestHistoryLog(t *testing.T) *HistoryLog {
	t.Helper()
	dir := t.TempDir()
	return NewHistoryLog(filepath.Join(dir, "general.log"), filepath.Join(dir, "dm.log"))
}

// TestEscapeRoundTrip tests that any text survives escape/unescape
// unchanged, including text full of tabs, newlines and backslashes.
func TestEscapeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		escaped := Escape(text)

		if strings.ContainsAny(escaped, "\t\n\r") {
			t.Fatalf("escaped text still contains separator bytes: %q", escaped)
		}
		if got := Unescape(escaped); got != text {
			t.Fatalf("round-trip mismatch: %q -> %q -> %q", text, escaped, got)
		}
	})
}

func TestEscapeKnownSequences(t *testing.T) {
	assert.Equal(t, `a\tb`, Escape("a\tb"))
	assert.Equal(t, `a\nb`, Escape("a\nb"))
	assert.Equal(t, `a\\b`, Escape(`a\b`))
	assert.Equal(t, `\\t`, Escape(`\t`))

	// The literal-backslash-then-t case must not collapse into a tab
	assert.Equal(t, `\t`, Unescape(Escape(`\t`)))
	assert.Equal(t, "\t", Unescape(Escape("\t")))
}

func TestUnescapeUnknownSequencePassesThrough(t *testing.T) {
	assert.Equal(t, `a\qb`, Unescape(`a\qb`))
	assert.Equal(t, `trailing\`, Unescape(`trailing\`))
}

func TestBroadcastHistoryAppendAndRead(t *testing.T) {
	h := newTestHistoryLog(t)

	for i := 1; i <= 5; i++ {
		h.AppendBroadcast("alice", fmt.Sprintf("message %d", i))
	}

	records := h.LastBroadcast(3)
	require.Len(t, records, 3)
	// Oldest first, and only the tail of the log
	assert.Equal(t, "message 3", records[0].Text)
	assert.Equal(t, "message 5", records[2].Text)
	for _, r := range records {
		assert.Equal(t, "alice", r.Sender)
		assert.NotZero(t, r.Timestamp)
	}

	assert.Len(t, h.LastBroadcast(100), 5)
	assert.Empty(t, h.LastBroadcast(0))
	assert.Empty(t, h.LastBroadcast(-1))
}

func TestBroadcastHistorySurvivesHostileText(t *testing.T) {
	h := newTestHistoryLog(t)

	hostile := "line1\nline2\ttabbed\\escaped\rreturn"
	h.AppendBroadcast("alice", hostile)
	h.AppendBroadcast("bob", "plain")

	records := h.LastBroadcast(10)
	require.Len(t, records, 2)
	assert.Equal(t, hostile, records[0].Text)
	assert.Equal(t, "plain", records[1].Text)
}

func TestDirectHistoryFilters(t *testing.T) {
	h := newTestHistoryLog(t)

	h.AppendDirect("alice", "bob", "a to b")
	h.AppendDirect("bob", "alice", "b to a")
	h.AppendDirect("alice", "carol", "a to c")
	h.AppendDirect("dave", "carol", "d to c")

	forAlice := h.LastDirectFor("alice", 10)
	require.Len(t, forAlice, 3)
	assert.Equal(t, "a to b", forAlice[0].Text)
	assert.Equal(t, "b to a", forAlice[1].Text)
	assert.Equal(t, "a to c", forAlice[2].Text)

	pair := h.LastDirectBetween("bob", "alice", 10)
	require.Len(t, pair, 2)
	assert.Equal(t, "a to b", pair[0].Text)
	assert.Equal(t, "b to a", pair[1].Text)

	assert.Empty(t, h.LastDirectBetween("alice", "dave", 10))

	limited := h.LastDirectFor("alice", 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "a to c", limited[0].Text)
}

func TestMissingLogFilesReadAsEmpty(t *testing.T) {
	h := newTestHistoryLog(t)
	assert.Empty(t, h.LastBroadcast(10))
	assert.Empty(t, h.LastDirectFor("alice", 10))
	assert.Empty(t, h.LastDirectBetween("alice", "bob", 10))
}

func TestConcurrentAppendsNeverTearRecords(t *testing.T) {
	h := newTestHistoryLog(t)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h.AppendBroadcast(fmt.Sprintf("user%d", w), "text with\ttab")
			}
		}(w)
	}
	wg.Wait()

	records := h.LastBroadcast(writers * perWriter)
	require.Len(t, records, writers*perWriter)
	for _, r := range records {
		assert.Equal(t, "text with\ttab", r.Text)
	}
}
