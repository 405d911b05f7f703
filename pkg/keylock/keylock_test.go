package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "k")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len())
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	u1, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	u2()
}

func TestLocalRespectsContext(t *testing.T) {
	l := NewLocal()
	u, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	u()
	u() // double unlock is a no-op
	assert.Equal(t, 0, l.Len())
}

type recordingLocker struct {
	mu    sync.Mutex
	order []string
	fail  string
}

func (r *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	if key == r.fail {
		return nil, errors.New("boom")
	}
	r.mu.Lock()
	r.order = append(r.order, "+"+key)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.order = append(r.order, "-"+key)
		r.mu.Unlock()
	}, nil
}

func TestLockAllSortsAndDedups(t *testing.T) {
	r := &recordingLocker{}
	unlock, err := LockAll(context.Background(), r, []string{"c", "a", "b", "a"})
	require.NoError(t, err)
	unlock()

	assert.Equal(t, []string{"+a", "+b", "+c", "-c", "-b", "-a"}, r.order)
}

func TestLockAllReleasesOnFailure(t *testing.T) {
	r := &recordingLocker{fail: "b"}
	_, err := LockAll(context.Background(), r, []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Equal(t, []string{"+a", "-a"}, r.order)
}

func TestChainLocksInOrder(t *testing.T) {
	first, second := &recordingLocker{}, &recordingLocker{}
	unlock, err := Chain{first, second}.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	assert.Equal(t, []string{"+k", "-k"}, first.order)
	assert.Equal(t, []string{"+k", "-k"}, second.order)
}
