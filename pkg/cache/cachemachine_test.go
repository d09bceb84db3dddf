package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blazingdb/ral/pkg/batch"
)

func mustBatch(t *testing.T, n int) *batch.Batch {
	t.Helper()
	vals := make([]any, n)
	for i := range vals {
		vals[i] = int64(i)
	}
	b, err := batch.New([]batch.Column{{Name: "k", Type: batch.TypeInt64, Values: vals}})
	require.NoError(t, err)
	return b
}

func TestCacheMachine_OrderPreserved(t *testing.T) {
	cm := New("t")
	for i := 0; i < 5; i++ {
		b := mustBatch(t, i+1)
		ok, err := cm.AddToCache(batch.NewCacheData("x", b), b.IsEmpty(), false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	cm.Finish()

	var rows []int
	for {
		cd, err := cm.PullCacheData()
		require.NoError(t, err)
		if cd == nil {
			break
		}
		b, err := cd.Materialize()
		require.NoError(t, err)
		rows = append(rows, b.NumRows())
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rows)
}

func TestCacheMachine_RejectsEmptyUnlessAllowed(t *testing.T) {
	cm := New("t")
	empty, err := batch.New(nil)
	require.NoError(t, err)

	ok, err := cm.AddToCache(batch.NewCacheData("e", empty), true, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cm.AddToCache(batch.NewCacheData("e", empty), true, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheMachine_RejectsNil(t *testing.T) {
	cm := New("t")
	ok, err := cm.AddToCache(nil, false, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheMachine_ClosedCacheAfterFinish(t *testing.T) {
	cm := New("t")
	cm.Finish()
	b := mustBatch(t, 1)
	_, err := cm.AddToCache(batch.NewCacheData("x", b), false, false)
	assert.ErrorIs(t, err, ErrClosedCache)
}

func TestCacheMachine_PullBlocksThenUnblocksOnFinish(t *testing.T) {
	cm := New("t")
	done := make(chan *batch.CacheData, 1)
	go func() {
		cd, _ := cm.PullCacheData()
		done <- cd
	}()

	time.Sleep(20 * time.Millisecond)
	cm.Finish()

	select {
	case cd := <-done:
		assert.Nil(t, cd)
	case <-time.After(time.Second):
		t.Fatal("PullCacheData did not unblock after Finish")
	}
}

func TestCacheMachine_WaitForCount(t *testing.T) {
	cm := New("t")

	// n == 0 returns immediately (spec S5: empty input).
	cm.WaitForCount(0)

	waited := make(chan struct{})
	go func() {
		cm.WaitForCount(3)
		close(waited)
	}()

	for i := 0; i < 3; i++ {
		b := mustBatch(t, 1)
		_, _ = cm.AddToCache(batch.NewCacheData("x", b), false, false)
	}

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("WaitForCount did not unblock after 3 additions")
	}
}

func TestCacheMachine_WaitForCountNotResetByDrain(t *testing.T) {
	cm := New("t")
	b := mustBatch(t, 1)
	_, _ = cm.AddToCache(batch.NewCacheData("x", b), false, false)
	_, _ = cm.PullCacheData() // drain the only item

	unblocked := make(chan struct{})
	go func() {
		cm.WaitForCount(1) // already satisfied by the accepted-not-drained counter
		close(unblocked)
	}()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitForCount should count additions, not current depth")
	}
}

func TestCacheMachine_WaitUntilFinished(t *testing.T) {
	cm := New("t")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cm.WaitUntilFinished()
	}()
	time.Sleep(10 * time.Millisecond)
	cm.Finish()
	wg.Wait()
}

func TestCacheMachine_WaitForNext(t *testing.T) {
	cm := New("t")
	b := mustBatch(t, 1)
	_, _ = cm.AddToCache(batch.NewCacheData("x", b), false, false)

	assert.True(t, cm.WaitForNext())
	_, _ = cm.PullCacheData()

	cm.Finish()
	assert.False(t, cm.WaitForNext())
}
