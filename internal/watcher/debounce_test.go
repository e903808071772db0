package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *Debouncer) []Event {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced batch")
		return nil
	}
}

func TestDebouncerCoalescesSamePath(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.md", Op: OpCreate})
	d.Add(Event{Path: "a.md", Op: OpModify})
	d.Add(Event{Path: "a.md", Op: OpModify})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreate, batch[0].Op)
}

func TestDebouncerCreateDeleteCancels(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.md", Op: OpCreate})
	d.Add(Event{Path: "a.md", Op: OpDelete})
	d.Add(Event{Path: "b.md", Op: OpModify})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, "b.md", batch[0].Path)
}

func TestDebouncerDeleteCreateIsModify(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.md", Op: OpDelete})
	d.Add(Event{Path: "a.md", Op: OpCreate})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncerSeparatePathsStaySeparate(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.md", Op: OpModify})
	d.Add(Event{Path: "b.md", Op: OpModify})

	batch := collect(t, d)
	assert.Len(t, batch, 2)
}

func TestDebouncerStopIsIdempotent(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	d.Stop()
	d.Stop()
	d.Add(Event{Path: "a.md", Op: OpModify})

	_, open := <-d.Output()
	assert.False(t, open)
}
