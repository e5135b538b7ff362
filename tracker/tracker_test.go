package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/storyloom/loom/cache"
	"github.com/storyloom/loom/tasks"
	"github.com/storyloom/loom/telemetry"
)

var (
	testClient      *redis.Client
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testContainer.Host(ctx)
		if err == nil {
			port, perr := testContainer.MappedPort(ctx, "6379")
			if perr == nil {
				testClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if testClient.Ping(ctx).Err() != nil {
					skipIntegration = true
				}
			} else {
				skipIntegration = true
			}
		} else {
			skipIntegration = true
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Close()
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getCache(t *testing.T) *cache.Cache {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testClient.FlushDB(context.Background()).Err())
	return cache.NewFromClient(testClient)
}

// fakeManager is an in-memory TaskManager whose task outcomes tests control
// directly.
type fakeManager struct {
	mu    sync.Mutex
	tasks map[string]*tasks.Task
	seq   int
}

func newFakeManager() *fakeManager {
	return &fakeManager{tasks: make(map[string]*tasks.Task)}
}

func (f *fakeManager) Submit(_ context.Context, function string, args any, queue string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("task-%d", f.seq)
	raw, _ := json.Marshal(args)
	f.tasks[id] = &tasks.Task{
		TaskID:       id,
		QueueName:    queue,
		FunctionName: function,
		Args:         raw,
		Status:       tasks.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	return id, nil
}

func (f *fakeManager) Status(_ context.Context, taskID string) (*tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, taskID)
	}
	copied := *task
	return &copied, nil
}

func (f *fakeManager) complete(taskID string, result any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(result)
	f.tasks[taskID].Status = tasks.StatusCompleted
	f.tasks[taskID].Result = raw
}

func (f *fakeManager) fail(taskID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[taskID].Status = tasks.StatusFailed
	f.tasks[taskID].Error = msg
}

func (f *fakeManager) drop(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
}

func newTracker(t *testing.T, c *cache.Cache, mgr TaskManager) *Tracker {
	t.Helper()
	tr, err := New(context.Background(), mgr, c, "req-test",
		WithPollInterval(20*time.Millisecond),
		WithLogger(telemetry.NewNoopLogger()))
	require.NoError(t, err)
	return tr
}

func TestDirectModeSettleOnce(t *testing.T) {
	c := getCache(t)
	tr := newTracker(t, c, newFakeManager())

	tr.Register("voice_req_alice_青年")
	assert.False(t, tr.IsReady("voice_req_alice_青年"))

	tr.SetResult("voice_req_alice_青年", "clear bright voice")
	assert.True(t, tr.IsReady("voice_req_alice_青年"))

	// Subsequent settles are no-ops: first settle wins.
	tr.SetResult("voice_req_alice_青年", "other")
	tr.SetError("voice_req_alice_青年", errors.New("late"))

	v, err := tr.Get(context.Background(), "voice_req_alice_青年", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "clear bright voice", v)
}

func TestGetTimeoutReturnsError(t *testing.T) {
	c := getCache(t)
	tr := newTracker(t, c, newFakeManager())

	_, err := tr.Get(context.Background(), "never_set", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// GetOr absorbs the timeout into the default.
	assert.Nil(t, tr.GetOr(context.Background(), "never_set", 50*time.Millisecond, nil))
	assert.Equal(t, "dflt", tr.GetOr(context.Background(), "never_set", 50*time.Millisecond, "dflt"))
}

func TestSubmitAndPollCompletion(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	mgr := newFakeManager()
	tr := newTracker(t, c, mgr)
	tr.StartPolling(ctx)
	defer tr.StopPolling()

	_, err := tr.Submit(ctx, "bg_bgab12", "image.scene", map[string]string{"prompt": "a lab"}, "image_generation")
	require.NoError(t, err)

	taskID, queue := tr.TaskBinding("bg_bgab12")
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, "image_generation", queue)

	mgr.complete("task-1", map[string]any{"type": "image", "url_map": map[string]string{"default": "http://img/bg.png"}})

	v, err := tr.Get(ctx, "bg_bgab12", 2*time.Second)
	require.NoError(t, err)
	raw, ok := v.(json.RawMessage)
	require.True(t, ok)
	assert.Contains(t, string(raw), "bg.png")
}

func TestSubmitIdempotentPerKey(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	mgr := newFakeManager()
	tr := newTracker(t, c, mgr)

	h1, err := tr.Submit(ctx, "k", "fn", nil, "q")
	require.NoError(t, err)
	h2, err := tr.Submit(ctx, "k", "fn", nil, "q")
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	// Only one task was submitted for the key.
	assert.Equal(t, 1, mgr.seq)

	// After Clear the key may be resubmitted.
	require.NoError(t, tr.Clear(ctx, "k"))
	_, err = tr.Submit(ctx, "k", "fn", nil, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.seq)
}

func TestPollSettlesFailureAndMissing(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	mgr := newFakeManager()
	tr := newTracker(t, c, mgr)
	tr.StartPolling(ctx)
	defer tr.StopPolling()

	_, err := tr.Submit(ctx, "broken", "fn", nil, "q")
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "vanished", "fn", nil, "q")
	require.NoError(t, err)

	mgr.fail("task-1", "provider exploded")
	mgr.drop("task-2")

	_, err = tr.Get(ctx, "broken", 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider exploded")

	_, err = tr.Get(ctx, "vanished", 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMultipleAwaitersSeeSameOutcome(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	tr := newTracker(t, c, newFakeManager())

	const waiters = 5
	results := make(chan any, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := tr.Get(ctx, "shared", 2*time.Second)
			require.NoError(t, err)
			results <- v
		}()
	}

	time.Sleep(50 * time.Millisecond)
	tr.SetResult("shared", 42)
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestRecoveryReattachesMappings(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	mgr := newFakeManager()

	tr1 := newTracker(t, c, mgr)
	_, err := tr1.Submit(ctx, "bg_bgcd34", "image.scene", nil, "image_generation")
	require.NoError(t, err)

	// A new tracker for the same request re-registers the key unsettled
	// and its polling picks the outcome up.
	tr2 := newTracker(t, c, mgr)
	assert.Equal(t, 1, tr2.TotalCount())
	assert.False(t, tr2.IsReady("bg_bgcd34"))
	taskID, queue := tr2.TaskBinding("bg_bgcd34")
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, "image_generation", queue)

	tr2.StartPolling(ctx)
	defer tr2.StopPolling()
	mgr.complete("task-1", "done")

	v, err := tr2.Get(ctx, "bg_bgcd34", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"done"`), v)
}

func TestClearCompleted(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()
	tr := newTracker(t, c, newFakeManager())

	tr.SetResult("a", 1)
	tr.SetResult("b", 2)
	tr.Register("pending")

	n, err := tr.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tr.TotalCount())
	assert.Equal(t, 1, tr.PendingCount())

	require.NoError(t, tr.ClearAll(ctx))
	assert.Zero(t, tr.TotalCount())
}

func TestGetNowait(t *testing.T) {
	c := getCache(t)
	tr := newTracker(t, c, newFakeManager())

	assert.Equal(t, "d", tr.GetNowait("missing", "d"))

	tr.Register("slow")
	assert.Equal(t, "d", tr.GetNowait("slow", "d"))

	tr.SetResult("slow", "v")
	assert.Equal(t, "v", tr.GetNowait("slow", "d"))

	tr.SetError("bad", errors.New("boom"))
	assert.Equal(t, "d", tr.GetNowait("bad", "d"))
}
