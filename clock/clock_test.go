package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSleeperCompletesNaturally(t *testing.T) {
	s := NewSleeper(nil)
	start := time.Now()
	ok := s.Sleep(context.Background(), 10*time.Millisecond)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestSleeperInterruptedByContext(t *testing.T) {
	s := NewSleeper(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	ok := s.Sleep(ctx, time.Hour)
	assert.False(t, ok)
}

func TestSleeperZeroDuration(t *testing.T) {
	s := NewSleeper(nil)
	assert.True(t, s.Sleep(context.Background(), 0))
}
