package domain

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticsReport_Add(t *testing.T) {
	t.Parallel()

	t.Run("deduplicates by message ID", func(t *testing.T) {
		t.Parallel()

		report := NewDiagnosticsReport(ReportOptions{KeepPermissionDenied: true})

		msg := Message{ID: "m1", Text: "first", ModuleID: "mail", Type: MessageTypeNeutral}
		assert.True(t, report.Add(msg))
		assert.False(t, report.Add(msg))
		assert.Equal(t, 1, report.Len())
	})

	t.Run("preserves insertion order", func(t *testing.T) {
		t.Parallel()

		report := NewDiagnosticsReport(ReportOptions{})
		for i := 0; i < 5; i++ {
			report.Add(Message{ID: fmt.Sprintf("m%d", i), Timestamp: time.Now()})
		}

		messages := report.Messages()
		require.Len(t, messages, 5)
		for i, msg := range messages {
			assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
		}
	})

	t.Run("drops permission denied when disabled", func(t *testing.T) {
		t.Parallel()

		report := NewDiagnosticsReport(ReportOptions{KeepPermissionDenied: false})
		added := report.Add(Message{ID: "denied", Type: MessageTypePermissionDenied})

		assert.False(t, added)
		assert.Equal(t, 0, report.Len())
	})

	t.Run("keeps permission denied when enabled", func(t *testing.T) {
		t.Parallel()

		report := NewDiagnosticsReport(ReportOptions{KeepPermissionDenied: true})
		assert.True(t, report.Add(Message{ID: "denied", Type: MessageTypePermissionDenied}))
		assert.Equal(t, 1, report.Len())
	})
}

func TestDiagnosticsReport_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	report := NewDiagnosticsReport(ReportOptions{KeepPermissionDenied: true})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every writer adds the same 50 logical messages.
			for i := 0; i < 50; i++ {
				report.Add(Message{ID: fmt.Sprintf("msg-%d", i)})
			}
		}()
	}
	wg.Wait()

	// No message lost and no message duplicated.
	assert.Equal(t, 50, report.Len())
}

func TestSavepointEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, Savepoint{}.Empty())
	assert.False(t, Savepoint{StorageLocation: "loc"}.Empty())
	assert.False(t, Savepoint{Checkpoint: []byte(`{"page":2}`)}.Empty())
}
