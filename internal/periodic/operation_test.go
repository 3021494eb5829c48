package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/jobexec"
	"github.com/xfeldman/aegisd/internal/sched"
)

func TestOperationExclusiveSuppressesOverlappingTicks(t *testing.T) {
	s := sched.New()
	s.Start()
	defer s.Stop(true)
	ex := jobexec.New("test", 2, 8, 1, zerolog.Nop())
	ex.Start()
	defer ex.Stop(false)

	var starts int32

	// Every run takes 350ms, so with a 100ms period only the ticks at
	// about t=0, 400ms and 800ms find no run in flight.
	op := New("slow", s, ex, 100*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&starts, 1)
		time.Sleep(350 * time.Millisecond)
	}, zerolog.Nop(), Exclusive())

	op.Start()
	time.Sleep(1 * time.Second)
	op.Stop()

	got := atomic.LoadInt32(&starts)
	require.GreaterOrEqual(t, got, int32(2))
	require.LessOrEqual(t, got, int32(4))
}

func TestNewPanicsOnNonPositivePeriod(t *testing.T) {
	s := sched.New()
	ex := jobexec.New("test", 1, 1, 0, zerolog.Nop())
	require.Panics(t, func() {
		New("bad", s, ex, 0, func(ctx context.Context) {}, zerolog.Nop())
	})
}
