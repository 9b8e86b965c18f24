package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memTestTTL          = 5 * time.Minute
	memTestShortTTL     = 50 * time.Millisecond
	memTestGoroutines   = 20
	memTestCleanupSleep = 150 * time.Millisecond
	memTestSess1        = "sess-1"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clock := newFakeClock()
	store := NewMemoryStore(Options{TTL: ttl})
	store.now = clock.Now
	return store, clock
}

func userMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func TestMemoryStore_AppendCreatesSession(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	n, err := store.Append(ctx, memTestSess1, userMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Content)
	assert.False(t, got[0].Timestamp.IsZero(), "store should stamp missing timestamps")
}

func TestMemoryStore_SlidingWindow(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		n, err := store.Append(ctx, memTestSess1, userMessage(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
		assert.LessOrEqual(t, n, DefaultMaxMessages)
	}

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	require.Len(t, got, DefaultMaxMessages)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+6), msg.Content)
	}
}

func TestMemoryStore_CustomBound(t *testing.T) {
	store := NewMemoryStore(Options{MaxMessages: 3, TTL: memTestTTL})
	ctx := context.Background()

	for i := range 5 {
		_, err := store.Append(ctx, memTestSess1, userMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m4", got[2].Content)
}

func TestMemoryStore_ReadMissing(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})

	got, err := store.Read(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	_, err := store.Append(ctx, memTestSess1, userMessage("original"))
	require.NoError(t, err)

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	got[0].Content = "mutated"

	again, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	_, err := store.Append(ctx, memTestSess1, userMessage("old"))
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Empty(t, got, "expired session should read as empty")

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, memTestSess1)

	n, err := store.Append(ctx, memTestSess1, userMessage("new"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "append after expiry should start a fresh history")
}

func TestMemoryStore_AppendRefreshesTTL(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	_, err := store.Append(ctx, memTestSess1, userMessage("a"))
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	_, err = store.Append(ctx, memTestSess1, userMessage("b"))
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Len(t, got, 2, "append should re-arm the TTL")
}

func TestMemoryStore_ReadDoesNotRefreshTTL(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	_, err := store.Append(ctx, memTestSess1, userMessage("a"))
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	_, err = store.Read(ctx, memTestSess1)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_DeleteThenAppend(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	for i := range 5 {
		_, err := store.Append(ctx, memTestSess1, userMessage(fmt.Sprintf("old-%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, store.Delete(ctx, memTestSess1))

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := store.Append(ctx, memTestSess1, userMessage("fresh"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Content)
}

func TestMemoryStore_DeleteNotFound(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, store.Delete(ctx, "nonexistent"), ErrNotFound)

	_, err := store.Append(ctx, memTestSess1, userMessage("a"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, store.Delete(ctx, memTestSess1), ErrNotFound, "expired session deletes as not found")
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := store.Append(ctx, id, userMessage("x"))
		require.NoError(t, err)
	}

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, store.Delete(ctx, "b"))
	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestMemoryStore_Info(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	info, err := store.Info(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, memTestSess1, info.SessionID)
	assert.Zero(t, info.MessageCount)
	assert.Nil(t, info.LastActivity)
	assert.False(t, info.Active())

	_, err = store.Append(ctx, memTestSess1, userMessage("a"))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	info, err = store.Info(ctx, memTestSess1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.MessageCount)
	assert.Equal(t, 50*time.Minute, info.TTL)
	require.NotNil(t, info.LastActivity)
	assert.True(t, info.LastActivity.Equal(clock.Now().Add(-10*time.Minute)))
	assert.True(t, info.Active())
}

func TestMemoryStore_InvalidInput(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	_, err := store.Append(ctx, "", userMessage("hi"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = store.Append(ctx, memTestSess1, Message{Role: "system", Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = store.Append(ctx, memTestSess1, Message{Role: RoleAssistant, Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected appends must not create sessions")
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store, clock := newClockedStore(time.Hour)
	ctx := context.Background()

	_, err := store.Append(ctx, "expired", userMessage("x"))
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = store.Append(ctx, "active", userMessage("x"))
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	require.NoError(t, store.Cleanup(ctx))

	store.mu.RLock()
	_, hasExpired := store.sessions["expired"]
	_, hasActive := store.sessions["active"]
	store.mu.RUnlock()
	assert.False(t, hasExpired)
	assert.True(t, hasActive)
}

func TestMemoryStore_CleanupRoutineLifecycle(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestShortTTL})
	ctx := context.Background()

	_, err := store.Append(ctx, memTestSess1, userMessage("x"))
	require.NoError(t, err)

	store.StartCleanupRoutine(20 * time.Millisecond)

	time.Sleep(memTestCleanupSleep)

	store.mu.RLock()
	remaining := len(store.sessions)
	store.mu.RUnlock()
	assert.Zero(t, remaining, "cleanup should have removed expired session")

	assert.NoError(t, store.Close())
}

func TestMemoryStore_CloseWithoutStart(t *testing.T) {
	store := NewMemoryStore(Options{})
	assert.NoError(t, store.Close(), "Close without StartCleanupRoutine should not panic")
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	store := NewMemoryStore(Options{TTL: memTestTTL})
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan int, 1)

	// Observe intermediate states while the appends race.
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, _ := store.Read(ctx, memTestSess1)
			if len(got) > DefaultMaxMessages {
				select {
				case violations <- len(got):
				default:
				}
			}
		}
	}()

	for i := range memTestGoroutines {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Append(ctx, memTestSess1, userMessage(fmt.Sprintf("m-%d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	close(stop)

	select {
	case n := <-violations:
		t.Fatalf("observed %d messages, bound is %d", n, DefaultMaxMessages)
	default:
	}

	got, err := store.Read(ctx, memTestSess1)
	require.NoError(t, err)
	require.Len(t, got, memTestGoroutines)

	seen := make(map[string]bool)
	for _, msg := range got {
		assert.False(t, seen[msg.Content], "duplicate message %s", msg.Content)
		seen[msg.Content] = true
	}
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp), "history must be in append order")
	}
}
