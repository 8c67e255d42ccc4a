package script

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionLog_Ring(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		adds      int
		wantLen   int
		wantFirst int
	}{
		{"empty", 3, 0, 0, 0},
		{"below capacity", 3, 2, 2, 0},
		{"at capacity", 3, 3, 3, 0},
		{"wrapped once", 3, 4, 3, 1},
		{"wrapped several times", 3, 10, 3, 7},
		{"default capacity", 0, 150, DefaultLogCapacity, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewExecutionLog(tt.capacity)
			for i := 0; i < tt.adds; i++ {
				l.Add(LogEntry{ProcedureName: fmt.Sprintf("P%d", i)})
			}

			assert.Equal(t, tt.wantLen, l.Len())
			entries := l.Entries()
			require.Len(t, entries, tt.wantLen)
			for i, e := range entries {
				assert.Equal(t, fmt.Sprintf("P%d", tt.wantFirst+i), e.ProcedureName, "oldest first")
			}
		})
	}
}

func TestExecutionLog_EntriesIsACopy(t *testing.T) {
	l := NewExecutionLog(2)
	l.Add(LogEntry{ProcedureName: "A"})

	entries := l.Entries()
	entries[0].ProcedureName = "changed"
	assert.Equal(t, "A", l.Entries()[0].ProcedureName)
}

func TestExecutionLog_TruncatesErrorMessage(t *testing.T) {
	l := NewExecutionLog(1)

	long := strings.Repeat("é", maxErrorRunes+20)
	l.Add(LogEntry{ErrorMessage: long})
	got := l.Entries()[0].ErrorMessage
	assert.Equal(t, maxErrorRunes, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(long, got))

	l.Add(LogEntry{ErrorMessage: "short"})
	assert.Equal(t, "short", l.Entries()[0].ErrorMessage)
}

func TestExecutionLog_ConcurrentAdd(t *testing.T) {
	l := NewExecutionLog(50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				l.Add(LogEntry{ProcedureName: fmt.Sprintf("G%d_%d", g, i)})
				_ = l.Len()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	assert.Len(t, l.Entries(), 50)
}
