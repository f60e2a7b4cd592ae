package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type failingSeenSet struct{}

func (failingSeenSet) MarkSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestFilter_RepeatedTextSuppressed(t *testing.T) {
	f := NewFilter(NewMemorySeenSet(time.Minute))
	ctx := context.Background()

	require.True(t, f.Accept(ctx, "5491112345678@c.us", "id-1", "Hola"))
	require.False(t, f.Accept(ctx, "5491112345678@c.us", "id-2", "  hola "))
	require.True(t, f.Accept(ctx, "5491112345678@c.us", "id-3", "quiero una web"))
	// the last accepted text is the comparison point, not any earlier one
	require.True(t, f.Accept(ctx, "5491112345678@c.us", "id-4", "hola"))
}

func TestFilter_TextIsPerIdentifier(t *testing.T) {
	f := NewFilter(NewMemorySeenSet(time.Minute))
	ctx := context.Background()

	require.True(t, f.Accept(ctx, "111@c.us", "", "hola"))
	require.True(t, f.Accept(ctx, "222@c.us", "", "hola"))
}

func TestFilter_SameMessageIDSuppressedRegardlessOfBody(t *testing.T) {
	f := NewFilter(NewMemorySeenSet(time.Minute))
	ctx := context.Background()

	require.True(t, f.Accept(ctx, "111@c.us", "wamid-1", "primero"))
	require.False(t, f.Accept(ctx, "111@c.us", "wamid-1", "otro texto"))
	require.False(t, f.Accept(ctx, "222@c.us", "wamid-1", "desde otro contacto"))
}

func TestFilter_EmptyBodiesNeverMatch(t *testing.T) {
	f := NewFilter(nil)
	ctx := context.Background()

	require.True(t, f.Accept(ctx, "111@c.us", "", ""))
	require.True(t, f.Accept(ctx, "111@c.us", "", "   "))
}

func TestFilter_SeenSetErrorFailsOpen(t *testing.T) {
	f := NewFilter(failingSeenSet{})
	require.True(t, f.Accept(context.Background(), "111@c.us", "id", "hola"))
}

type blockingSeenSet struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingSeenSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	close(b.entered)
	<-b.release
	return true, nil
}

func TestFilter_SlowSeenSetDoesNotBlockOtherContacts(t *testing.T) {
	seen := blockingSeenSet{entered: make(chan struct{}), release: make(chan struct{})}
	f := NewFilter(seen)
	ctx := context.Background()

	slow := make(chan bool, 1)
	go func() { slow <- f.Accept(ctx, "111@c.us", "id-1", "hola") }()
	<-seen.entered

	done := make(chan bool, 1)
	go func() { done <- f.Accept(ctx, "222@c.us", "", "hola") }()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept for another contact waited on the seen-id set")
	}

	close(seen.release)
	require.True(t, <-slow)
}

func TestFilter_ConcurrentDuplicatesPassOnce(t *testing.T) {
	f := NewFilter(NewMemorySeenSet(time.Minute))
	ctx := context.Background()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Accept(ctx, "111@c.us", fmt.Sprintf("id-%d", i), "mismo texto") {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, accepted.Load())
}

func TestMemorySeenSet_Expires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemorySeenSet(60 * time.Second)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	fresh, err := s.MarkSeen(ctx, "a")
	require.NoError(t, err)
	require.True(t, fresh)

	now = now.Add(59 * time.Second)
	fresh, _ = s.MarkSeen(ctx, "a")
	require.False(t, fresh)

	now = now.Add(2 * time.Second)
	fresh, _ = s.MarkSeen(ctx, "a")
	require.True(t, fresh)
}

func TestMemorySeenSet_SweepsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemorySeenSet(time.Second)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, _ = s.MarkSeen(ctx, fmt.Sprintf("id-%d", i))
	}
	require.Equal(t, 100, s.Len())

	now = now.Add(2 * time.Second)
	_, _ = s.MarkSeen(ctx, "late")
	require.Equal(t, 1, s.Len())
}

func TestRedisSeenSet(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisSeenSet(ctx, url, 2*time.Second)
	require.NoError(t, err)
	defer s.Close()

	id := uuid.NewString()
	fresh, err := s.MarkSeen(ctx, id)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = s.MarkSeen(ctx, id)
	require.NoError(t, err)
	require.False(t, fresh)
}
