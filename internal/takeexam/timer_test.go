package takeexam

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerDisabledWithoutLimit(t *testing.T) {
	var fired atomic.Int32
	tm := NewTimer(nil, nil, func() { fired.Add(1) }, testLogger())

	require.False(t, tm.Enabled())
	tm.Tick()
	tm.Start(context.Background())
	tm.Stop()

	require.Nil(t, tm.Remaining())
	require.Zero(t, fired.Load())
}

func TestTimerWarnsOncePerThreshold(t *testing.T) {
	notices := &noticeRecorder{}
	tm := NewTimer(intPtr(601), notices, nil, testLogger())

	tm.Tick()
	require.Equal(t, 600, *tm.Remaining())
	require.Equal(t, []string{"10 minutes remaining"}, notices.messages())

	for i := 0; i < 300; i++ {
		tm.Tick()
	}
	require.Equal(t, 300, *tm.Remaining())
	require.Equal(t, []string{"10 minutes remaining", "5 minutes remaining"}, notices.messages())

	for i := 0; i < 240; i++ {
		tm.Tick()
	}
	require.Len(t, notices.notices, 3)
	require.Equal(t, NoticeUrgent, notices.notices[2].Level)
	require.Equal(t, "1 minute remaining!", notices.notices[2].Message)
}

func TestTimerExpiresExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	tm := NewTimer(intPtr(2), nil, func() { fired.Add(1) }, testLogger())

	tm.Tick()
	require.False(t, tm.Expired())
	tm.Tick()
	require.True(t, tm.Expired())
	tm.Tick()
	tm.Tick()

	require.Equal(t, int32(1), fired.Load())
	require.Equal(t, 0, *tm.Remaining())
}

func TestTimerZeroAtBootstrapExpiresOnFirstTick(t *testing.T) {
	var fired atomic.Int32
	tm := NewTimer(intPtr(0), nil, func() { fired.Add(1) }, testLogger())

	tm.Tick()
	require.Equal(t, int32(1), fired.Load())
	require.Equal(t, 0, *tm.Remaining())
}

func TestTimerStartTicksUntilExpiry(t *testing.T) {
	done := make(chan struct{})
	tm := NewTimer(intPtr(1), nil, func() { close(done) }, testLogger())

	tm.Start(context.Background())
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not expire")
	}
	// Stop after expiry must not block.
	tm.Stop()
	require.True(t, tm.Expired())
}

func TestTimerStopHaltsCountdown(t *testing.T) {
	tm := NewTimer(intPtr(100), nil, nil, testLogger())
	tm.Start(context.Background())
	tm.Stop()

	before := *tm.Remaining()
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, before, *tm.Remaining())
}
