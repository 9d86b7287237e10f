package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runoshun/foreman/internal/domain"
	"github.com/runoshun/foreman/internal/testutil"
)

func newTestBuffer() (*Buffer, *testutil.MockOutputRepository) {
	store := testutil.NewMockOutputRepository()
	clock := &testutil.MockClock{NowTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(store, testutil.NopLogger{}, clock), store
}

func TestBuffer_AppendOrderAndIsolation(t *testing.T) {
	b, _ := newTestBuffer()

	// Interleave appends for two tasks.
	for i := 0; i < 10; i++ {
		b.Append(1, fmt.Sprintf("t1-%d", i), domain.StreamPrimary)
		if i < 5 {
			b.Append(2, fmt.Sprintf("t2-%d", i), domain.StreamError)
		}
	}

	t1 := b.Lines(1)
	require.Len(t, t1, 10)
	for i, line := range t1 {
		assert.Equal(t, fmt.Sprintf("t1-%d", i), line.Content)
		assert.Equal(t, 1, line.TaskID)
	}
	t2 := b.Lines(2)
	require.Len(t, t2, 5)
	for i, line := range t2 {
		assert.Equal(t, fmt.Sprintf("t2-%d", i), line.Content)
		assert.Equal(t, domain.StreamError, line.Stream)
	}
}

func TestBuffer_ContentIsByteIdentical(t *testing.T) {
	b, _ := newTestBuffer()

	raw := "\x1b[31mred\x1b[0m\ttabs and \r\n control bytes \x00"
	b.Append(7, raw, domain.StreamPrimary)

	lines := b.Lines(7)
	require.Len(t, lines, 1)
	assert.Equal(t, raw, lines[0].Content)
}

func TestBuffer_SubscriberFanOut(t *testing.T) {
	b, _ := newTestBuffer()

	var first, second []string
	cancelFirst := b.Subscribe(1, func(l domain.OutputLine) { first = append(first, l.Content) })
	b.Subscribe(1, func(l domain.OutputLine) { second = append(second, l.Content) })

	b.Append(1, "a", domain.StreamPrimary)
	b.Append(1, "b", domain.StreamPrimary)
	cancelFirst()
	b.Append(1, "c", domain.StreamPrimary)

	assert.Equal(t, []string{"a", "b"}, first, "unsubscribed before c")
	assert.Equal(t, []string{"a", "b", "c"}, second)
}

func TestBuffer_SubscriberPanicDoesNotPropagate(t *testing.T) {
	b, _ := newTestBuffer()

	var survived []string
	b.Subscribe(1, func(domain.OutputLine) { panic("boom") })
	b.Subscribe(1, func(l domain.OutputLine) { survived = append(survived, l.Content) })

	assert.NotPanics(t, func() {
		b.Append(1, "x", domain.StreamPrimary)
	})
	assert.Equal(t, []string{"x"}, survived, "other subscribers still delivered")
}

func TestBuffer_PersistFlushesOnlyNewLines(t *testing.T) {
	b, store := newTestBuffer()

	b.Append(1, "a", domain.StreamPrimary)
	b.Append(1, "b", domain.StreamPrimary)
	require.NoError(t, b.Persist(1))
	require.Len(t, store.Lines[1], 2)

	// Not dirty: no store call.
	calls := store.AppendCalls
	require.NoError(t, b.Persist(1))
	assert.Equal(t, calls, store.AppendCalls)

	b.Append(1, "c", domain.StreamPrimary)
	require.NoError(t, b.Persist(1))
	require.Len(t, store.Lines[1], 3)
	assert.Equal(t, "c", store.Lines[1][2].Content)
}

func TestBuffer_LoadRehydratesAndResetsBookkeeping(t *testing.T) {
	b, store := newTestBuffer()
	store.Lines[3] = []domain.OutputLine{
		{TaskID: 3, Content: "stored-1", Stream: domain.StreamPrimary},
		{TaskID: 3, Content: "stored-2", Stream: domain.StreamPrimary},
	}

	require.NoError(t, b.Load(3))
	lines := b.Lines(3)
	require.Len(t, lines, 2)
	assert.Equal(t, "stored-1", lines[0].Content)

	// Loaded lines count as flushed; persist must not re-append them.
	calls := store.AppendCalls
	require.NoError(t, b.Persist(3))
	assert.Equal(t, calls, store.AppendCalls)
	assert.Len(t, store.Lines[3], 2)
}

func TestBuffer_Clear(t *testing.T) {
	b, store := newTestBuffer()
	b.Append(1, "a", domain.StreamPrimary)
	require.NoError(t, b.Persist(1))

	require.NoError(t, b.Clear(1))
	assert.Empty(t, b.Lines(1))
	assert.Empty(t, store.Lines[1])
}
