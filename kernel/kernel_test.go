package kernel

import (
	"context"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborr971/gos2022-go/internal/gosport"
	"github.com/gaborr971/gos2022-go/internal/gostask"
	"github.com/gaborr971/gos2022-go/internal/kernelerr"
)

func scrapeBody(t *testing.T, k *Kernel) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	k.MetricsHandler().ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

// scrapeMetric extracts a bare (unlabeled) counter/gauge value by exact
// metric name from a Prometheus text-format scrape.
func scrapeMetric(t *testing.T, k *Kernel, name string) int {
	t.Helper()
	body := scrapeBody(t, k)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, name+" ") {
			fields := strings.Fields(line)
			n, err := strconv.Atoi(fields[len(fields)-1])
			require.NoError(t, err)
			return n
		}
	}
	t.Fatalf("metric %q not found in scrape:\n%s", name, body)
	return 0
}

func newTestKernel(t *testing.T) (*Kernel, *gosport.SoftwarePort) {
	t.Helper()
	var k *Kernel
	port := gosport.NewSoftwarePort(func() {
		if k != nil {
			k.Table.Reschedule()
		}
	})
	k = New(DefaultConfig(), port, nil)
	return k, port
}

func TestKernel_InitRunsStepsInOrder(t *testing.T) {
	k, _ := newTestKernel(t)

	var userAppRan bool
	require.NoError(t, k.Init(func(kk *Kernel) error {
		userAppRan = true
		assert.NotNil(t, kk.Queues)
		assert.NotNil(t, kk.Messages)
		assert.NotNil(t, kk.Signals)
		return nil
	}))
	assert.True(t, userAppRan, "user-app step must run last, after every built-in subsystem is ready")
}

func TestKernel_InitAbortsOnFirstUserAppError(t *testing.T) {
	k, _ := newTestKernel(t)

	boom := kernelerr.New("user-app", kernelerr.InvalidArgument)
	err := k.Init(func(*Kernel) error { return boom })
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.StateViolation), "init wraps the step failure as StateViolation")
}

func TestKernel_StartTwiceIsStateViolation(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))
	require.NoError(t, k.Start(context.Background()))

	err := k.Start(context.Background())
	assert.True(t, kernelerr.Is(err, kernelerr.StateViolation))
}

func TestKernel_DeleteTaskFiresTaskDeletedSignal(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))
	require.NoError(t, k.Start(context.Background()))

	victim, err := k.Table.Register(gostask.Descriptor{Name: "victim", Priority: 10})
	require.NoError(t, err)

	var sawDeletedID gostask.ID
	handlerCalled := false
	id, err := k.Signals.Create("watch_deleted")
	require.NoError(t, err)
	require.NoError(t, k.Signals.Subscribe(id, func(sender gostask.ID) {
		handlerCalled = true
	}, gostask.PrivUser))
	require.NoError(t, k.Signals.Subscribe(k.taskDeletedSignal, func(sender gostask.ID) {
		sawDeletedID = sender
	}, gostask.PrivUser))

	require.NoError(t, k.DeleteTask(k.systemTaskID, victim))
	require.NoError(t, k.Signals.RunDaemonPass(0))
	assert.Equal(t, victim, sawDeletedID)

	// the kernel's own built-in task_deleted signal fired; our
	// independently created "watch_deleted" signal is untouched, proving
	// DeleteTask targets the kernel's signal, not every signal in the
	// service.
	assert.False(t, handlerCalled)

	data, err := k.Table.GetData(victim)
	require.NoError(t, err)
	assert.Equal(t, gostask.Zombie, data.State)
}

func TestKernel_RunSystemTaskCycleRefreshesCPUUsageMetrics(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))
	require.NoError(t, k.Start(context.Background()))

	k.RunSystemTaskCycle()
	assert.NotNil(t, k.MetricsHandler())
	assert.Contains(t, scrapeBody(t, k), `gos2022_task_cpu_usage_permille{task="idle"}`)
}

func TestKernel_TickHookBumpsSysTickMetric(t *testing.T) {
	k, port := newTestKernel(t)
	require.NoError(t, k.Init(nil))

	before := scrapeMetric(t, k, "gos2022_sys_ticks_total")
	port.AdvanceMs(5)
	after := scrapeMetric(t, k, "gos2022_sys_ticks_total")

	assert.Equal(t, before+5, after, "every port tick must bump the kernel's sys_ticks_total counter exactly once")
}

func TestKernel_CreateQueueWiresFullHookToMetrics(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))

	qid, err := k.CreateQueue("demo", 1, 8)
	require.NoError(t, err)

	caller, err := k.Table.Register(gostask.Descriptor{Name: "writer", Priority: 10})
	require.NoError(t, err)
	require.NoError(t, k.QueuePut(caller, qid, []byte("x"), 0))

	body := scrapeBody(t, k)
	assert.Contains(t, body, `gos2022_queue_full_events_total{queue="demo"} 1`)
}

// A full queue returns Full, not Timeout (§4.5) — QueuePut must only
// bump the "queue" timeout counter on a genuine kernelerr.Timeout, never
// conflate the two failure kinds.
func TestKernel_QueuePutFullIsNotCountedAsTimeout(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))

	qid, err := k.CreateQueue("full-queue", 1, 8)
	require.NoError(t, err)
	caller, err := k.Table.Register(gostask.Descriptor{Name: "writer", Priority: 10})
	require.NoError(t, err)
	require.NoError(t, k.QueuePut(caller, qid, []byte("x"), 0))

	err = k.QueuePut(caller, qid, []byte("y"), 0)
	require.Error(t, err)
	assert.True(t, kernelerr.Is(err, kernelerr.Full))

	body := scrapeBody(t, k)
	assert.NotContains(t, body, `gos2022_blocking_timeouts_total{primitive="queue"}`)
}

func TestKernel_MessageRxTimeoutIsRecorded(t *testing.T) {
	k, _ := newTestKernel(t)
	require.NoError(t, k.Init(nil))

	caller, err := k.Table.Register(gostask.Descriptor{Name: "reader", Priority: 10})
	require.NoError(t, err)
	buf := make([]byte, 8)

	_, err = k.MessageRx(caller, []uint16{99}, buf, 0)
	require.Error(t, err)

	body := scrapeBody(t, k)
	assert.Contains(t, body, `gos2022_blocking_timeouts_total{primitive="message"} 1`)
}
