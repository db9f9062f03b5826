package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 10 * time.Second, Max: 50 * time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore(), "first delay is 0")

	// delays are measured from last failure, allow for test execution time
	assertNear := func(expect time.Duration, actual time.Duration) {
		assert.InDelta(t, float64(expect), float64(actual), float64(time.Second), "expect=%v actual=%v", expect, actual)
	}
	assertNear(20*time.Second, b.DelayAfter(false))
	assertNear(40*time.Second, b.DelayAfter(false))
	assertNear(50*time.Second, b.DelayAfter(false))
	assertNear(50*time.Second, b.DelayAfter(false))
	assertNear(10*time.Second, b.DelayAfter(true))
}

func TestBackoffResolution(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 1500 * time.Microsecond, Max: time.Second, K: 1, Res: time.Millisecond}
	assert.Equal(t, time.Millisecond, b.limit(1500*time.Microsecond))
	assert.Equal(t, time.Second, b.limit(time.Hour))
}

func TestAtomicError(t *testing.T) {
	t.Parallel()
	var a AtomicError
	_, ok := a.Load()
	assert.False(t, ok)
	first := errTest("first")
	prev, found := a.StoreOnce(first)
	assert.Nil(t, prev)
	assert.False(t, found)
	prev, found = a.StoreOnce(errTest("second"))
	assert.Equal(t, first, prev)
	assert.True(t, found)
	err, ok := a.Load()
	assert.True(t, ok)
	assert.Equal(t, first, err)
}

type errTest string

func (e errTest) Error() string { return string(e) }
