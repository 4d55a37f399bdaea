package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New("gateway", 2, 30*time.Second)
	b.SetClock(func() time.Time { return now })
	b.SetStateChangeHandler(func(string, State, State) {})

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "half-open lets one probe through")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New("gateway", 1, time.Second)
	b.SetClock(func() time.Time { return now })
	b.SetStateChangeHandler(func(string, State, State) {})

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())
}
