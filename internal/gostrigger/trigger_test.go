package gostrigger

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborr971/gos2022-go/internal/gosport"
	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

func newTestTable(t *testing.T) (*gostask.Table, *gosport.SoftwarePort) {
	t.Helper()
	var tbl *gostask.Table
	port := gosport.NewSoftwarePort(func() {
		if tbl != nil {
			tbl.Reschedule()
		}
	})
	tbl = gostask.NewTable(gostask.DefaultConfig(), port, nil)
	return tbl, port
}

func TestTrigger_WaitReturnsImmediatelyWhenAlreadySatisfied(t *testing.T) {
	tbl, _ := newTestTable(t)
	waiter, _ := tbl.Register(gostask.Descriptor{Name: "waiter", Priority: 10})

	tr := New(tbl)
	for i := 0; i < 5; i++ {
		tr.Increment(waiter)
	}

	require.NoError(t, tr.Wait(waiter, 2, gostask.EndlessBlockMs))

	other, _ := tbl.Register(gostask.Descriptor{Name: "other", Priority: 10})
	require.NoError(t, tr.Wait(other, 2, gostask.EndlessBlockMs))
}

func TestTrigger_WaitTimesOutWhenNeverSatisfied(t *testing.T) {
	tbl, _ := newTestTable(t)
	waiter, _ := tbl.Register(gostask.Descriptor{Name: "waiter", Priority: 10})

	tr := New(tbl)
	err := tr.Wait(waiter, 100, 5)
	assert.True(t, kernelerr.Is(err, kernelerr.Timeout))
	assert.Equal(t, gostask.InvalidTaskID, tr.Waiter())
}

func TestTrigger_IncrementWakesWaiterOnExactEquality(t *testing.T) {
	tbl, _ := newTestTable(t)
	daemon, _ := tbl.Register(gostask.Descriptor{Name: "daemon", Priority: 1, Privileges: gostask.PrivTaskManipulate})
	waiter, _ := tbl.Register(gostask.Descriptor{Name: "waiter", Priority: 10})

	tr := New(tbl)
	tr.Reset()
	tr.waiter = waiter
	tr.desired = 4
	require.NoError(t, tbl.Block(waiter, gostask.EndlessBlockMs))

	for i := 0; i < 3; i++ {
		tr.Increment(daemon)
		data, err := tbl.GetData(waiter)
		require.NoError(t, err)
		assert.Equal(t, gostask.Blocked, data.State, "waiter must still be parked before the 4th increment")
	}

	tr.Increment(daemon)
	data, err := tbl.GetData(waiter)
	require.NoError(t, err)
	assert.Equal(t, gostask.Ready, data.State)
}

// Unlike the white-box tests above, which manipulate tr.waiter/tr.desired
// directly and call tbl.Block themselves, this drives Wait and Increment
// from two real goroutines, proving the table.Unblock call Increment
// issues actually reaches and wakes a task genuinely parked by Wait (the
// bug the Sleep-based version had: Unblock silently no-op'd against a
// Sleeping task, and only Wait's own busy-poll ever noticed the wake).
func TestTrigger_ConcurrentIncrementWakesWaiterParkedInWait(t *testing.T) {
	tbl, _ := newTestTable(t)
	daemon, _ := tbl.Register(gostask.Descriptor{Name: "daemon", Priority: 1, Privileges: gostask.PrivTaskManipulate})
	waiter, _ := tbl.Register(gostask.Descriptor{Name: "waiter", Priority: 10})

	tr := New(tbl)

	var wg sync.WaitGroup
	wg.Add(2)

	waitErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		waitErr <- tr.Wait(waiter, 4, gostask.EndlessBlockMs)
	}()

	go func() {
		defer wg.Done()
		for {
			data, err := tbl.GetData(waiter)
			require.NoError(t, err)
			if data.State == gostask.Blocked {
				break
			}
			runtime.Gosched()
		}
		for i := 0; i < 4; i++ {
			tr.Increment(daemon)
		}
	}()

	wg.Wait()
	require.NoError(t, <-waitErr)

	data, err := tbl.GetData(waiter)
	require.NoError(t, err)
	assert.Equal(t, gostask.Ready, data.State, "table.Unblock must have actually fired to leave the waiter Ready, not stuck Blocked")
}

func TestTrigger_DecrementOnZeroIsEmpty(t *testing.T) {
	tbl, _ := newTestTable(t)
	caller, _ := tbl.Register(gostask.Descriptor{Name: "caller", Priority: 10, Privileges: gostask.PrivTaskManipulate})

	tr := New(tbl)
	err := tr.Decrement(caller)
	assert.True(t, kernelerr.Is(err, kernelerr.Empty))
}

func TestTrigger_DecrementWakesOnEquality(t *testing.T) {
	tbl, _ := newTestTable(t)
	daemon, _ := tbl.Register(gostask.Descriptor{Name: "daemon", Priority: 1, Privileges: gostask.PrivTaskManipulate})
	waiter, _ := tbl.Register(gostask.Descriptor{Name: "waiter", Priority: 10})

	tr := New(tbl)
	for i := 0; i < 5; i++ {
		tr.Increment(daemon)
	}
	tr.waiter = waiter
	tr.desired = 4
	require.NoError(t, tbl.Block(waiter, gostask.EndlessBlockMs))

	require.NoError(t, tr.Decrement(daemon))
	data, err := tbl.GetData(waiter)
	require.NoError(t, err)
	assert.Equal(t, gostask.Ready, data.State)
}
