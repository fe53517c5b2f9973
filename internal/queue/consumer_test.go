package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects executed tasks and signals each execution
type recordingHandler struct {
	mu       sync.Mutex
	executed []string
	result   error
	done     chan string
}

func newRecordingHandler(result error) *recordingHandler {
	return &recordingHandler{result: result, done: make(chan string, 16)}
}

func (h *recordingHandler) handle(ctx context.Context, taskID string, payload TaskPayload) error {
	h.mu.Lock()
	h.executed = append(h.executed, payload.JobID)
	h.mu.Unlock()
	h.done <- taskID
	return h.result
}

func (h *recordingHandler) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
		return ""
	}
}

func statusIs(q *Queue, id, want string) bool {
	var status string
	if err := q.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status); err != nil {
		return false
	}
	return status == want
}

func runConsumer(t *testing.T, q *Queue, h *recordingHandler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := NewConsumer(q, h.handle, 2, 5*time.Millisecond, 0).Run(ctx); err != nil {
			t.Errorf("consumer returned %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel
}

func TestConsumerExecutesTask(t *testing.T) {
	q := openQueue(t)
	h := newRecordingHandler(nil)
	runConsumer(t, q, h)

	taskID, err := q.Enqueue(context.Background(), testPayload("job-1"))
	require.NoError(t, err)

	assert.Equal(t, taskID, h.wait(t))
	require.Eventually(t, func() bool {
		return statusIs(q, taskID, taskDone)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerRecordsFailure(t *testing.T) {
	q := openQueue(t)
	h := newRecordingHandler(errors.New("engine blew up"))
	runConsumer(t, q, h)

	taskID, err := q.Enqueue(context.Background(), testPayload("job-1"))
	require.NoError(t, err)

	h.wait(t)
	require.Eventually(t, func() bool {
		return statusIs(q, taskID, taskFailed)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerStillInvokesRevokedTask(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()

	// Revoke before any consumer exists, then start one.
	taskID, err := q.Enqueue(ctx, testPayload("job-1"))
	require.NoError(t, err)
	require.NoError(t, q.RevokeByID(ctx, taskID))

	h := newRecordingHandler(nil)
	runConsumer(t, q, h)

	// The handler still runs so job bookkeeping can happen, but the task
	// ends up revoked, not done.
	assert.Equal(t, taskID, h.wait(t))
	require.Eventually(t, func() bool {
		return statusIs(q, taskID, taskRevoked)
	}, 5*time.Second, 10*time.Millisecond)
}
