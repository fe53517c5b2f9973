package jobs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconlab/mriserve/internal/model"
	"github.com/reconlab/mriserve/internal/queue"
	"github.com/reconlab/mriserve/internal/store"
	"github.com/reconlab/mriserve/internal/volume"
)

// fakeQueue implements TaskQueue in memory
type fakeQueue struct {
	enqueued    map[string]queue.TaskPayload
	revoked     map[string]bool
	nextID      int
	failEnqueue error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		enqueued: map[string]queue.TaskPayload{},
		revoked:  map[string]bool{},
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, payload queue.TaskPayload) (string, error) {
	if q.failEnqueue != nil {
		return "", q.failEnqueue
	}
	q.nextID++
	id := fmt.Sprintf("task-%d", q.nextID)
	q.enqueued[id] = payload
	return id, nil
}

func (q *fakeQueue) RevokeByID(ctx context.Context, id string) error {
	if _, ok := q.enqueued[id]; !ok {
		return queue.ErrTaskNotFound
	}
	q.revoked[id] = true
	return nil
}

func (q *fakeQueue) IsRevoked(ctx context.Context, id string) (bool, error) {
	if _, ok := q.enqueued[id]; !ok {
		return false, queue.ErrTaskNotFound
	}
	return q.revoked[id], nil
}

func newTestService(t *testing.T) (*Service, *store.FileStore, *fakeQueue) {
	t.Helper()
	dir := t.TempDir()
	jobStore, err := store.NewFileStore(dir)
	require.NoError(t, err)
	q := newFakeQueue()
	svc, err := NewService(jobStore, q, dir, t.TempDir())
	require.NoError(t, err)
	return svc, jobStore, q
}

func createJob(t *testing.T, svc *Service) *model.JobRecord {
	t.Helper()
	rec, err := svc.Create(context.Background(), CreateRequest{
		Name:          "",
		Algorithm:     "direct_reconstruction",
		Input:         strings.NewReader("kspace bytes"),
		InputFilename: "brain_scan.mrv",
	})
	require.NoError(t, err)
	return rec
}

// writeResult stores a real result container for the job
func writeResult(t *testing.T, svc *Service, id string, shape []int) {
	t.Helper()
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	require.NoError(t, volume.Write(svc.ResultPath(id), "image", shape, data))
}

func setStatus(t *testing.T, s *store.FileStore, id string, status model.JobStatus) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), id, store.Patch{Status: &status}))
}

func TestCreateJob(t *testing.T) {
	svc, _, q := newTestService(t)

	rec := createJob(t, svc)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.StatusQueued, rec.Status)
	// The name defaults to the input file stem.
	assert.Equal(t, "brain_scan", rec.Name)
	assert.Equal(t, "brain_scan.mrv", rec.InputFilename)
	assert.Equal(t, []string{"mrv", "npy"}, rec.AvailableFormats)
	assert.Equal(t, "image", rec.ResultDataset)
	assert.True(t, rec.InputAvailable)
	assert.False(t, rec.ResultAvailable)
	assert.JSONEq(t,
		`{"algorithm":"direct_reconstruction","trajectory_calculator":"ismrmrd","csm_algorithm":"walsh"}`,
		string(rec.Params),
	)

	payload, ok := q.enqueued[rec.QueueTaskID]
	require.True(t, ok)
	assert.Equal(t, rec.ID, payload.JobID)
	assert.Equal(t, svc.ResultPath(rec.ID), payload.OutputPath)

	stored, err := os.ReadFile(svc.InputPath(rec.ID, "brain_scan.mrv"))
	require.NoError(t, err)
	assert.Equal(t, "kspace bytes", string(stored))
}

func TestCreateSanitizesFilename(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec, err := svc.Create(context.Background(), CreateRequest{
		Algorithm:     "direct_reconstruction",
		Input:         strings.NewReader("data"),
		InputFilename: "../../etc/passwd",
	})
	require.NoError(t, err)
	assert.Equal(t, "passwd", rec.InputFilename)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	input := func() CreateRequest {
		return CreateRequest{
			Algorithm:     "direct_reconstruction",
			Input:         strings.NewReader("data"),
			InputFilename: "scan.mrv",
		}
	}

	var verr *model.ValidationError

	req := input()
	req.Algorithm = "grappa"
	_, err := svc.Create(ctx, req)
	require.ErrorAs(t, err, &verr)

	req = input()
	req.ParamsJSON = []byte(`{not json`)
	_, err = svc.Create(ctx, req)
	require.ErrorAs(t, err, &verr)

	// Params naming a different algorithm than the request.
	req = input()
	req.ParamsJSON = []byte(`{"algorithm":"sense"}`)
	_, err = svc.Create(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "does not match")

	// Pulseq trajectory without a trajectory file.
	req = input()
	req.ParamsJSON = []byte(`{"trajectory_calculator":"pulseq","pulseq_filename":"traj.seq"}`)
	_, err = svc.Create(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "pulseq_file is required")

	// Trajectory file with a non-pulseq trajectory.
	req = input()
	req.Pulseq = strings.NewReader("seq")
	req.PulseqFilename = "traj.seq"
	_, err = svc.Create(ctx, req)
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "only be set")
}

func TestCreateWithPulseqFile(t *testing.T) {
	svc, _, q := newTestService(t)

	rec, err := svc.Create(context.Background(), CreateRequest{
		Algorithm:      "sense",
		ParamsJSON:     []byte(`{"trajectory_calculator":"pulseq"}`),
		Input:          strings.NewReader("kspace"),
		InputFilename:  "scan.mrv",
		Pulseq:         strings.NewReader("sequence"),
		PulseqFilename: "gradient_echo.seq",
	})
	require.NoError(t, err)

	// The trajectory upload is injected into the stored params.
	assert.Contains(t, string(rec.Params), `"pulseq_filename":"gradient_echo.seq"`)

	stored, err := os.ReadFile(svc.InputPath(rec.ID, "gradient_echo.seq"))
	require.NoError(t, err)
	assert.Equal(t, "sequence", string(stored))

	payload := q.enqueued[rec.QueueTaskID]
	assert.Contains(t, string(payload.Params), "gradient_echo.seq")
}

func TestGetAnnotatesAvailability(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 3, 4})

	got, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.InputAvailable)
	assert.True(t, got.ResultAvailable)
}

func TestGetUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetReconcilesRevokedQueuedJob(t *testing.T) {
	svc, jobStore, q := newTestService(t)
	rec := createJob(t, svc)

	// The task was revoked but never claimed, so the stored status is
	// still QUEUED.
	require.NoError(t, q.RevokeByID(context.Background(), rec.QueueTaskID))

	got, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.Equal(t, model.AbortedMessage, got.Error)

	// The reconciled status is persisted, not just reported.
	stored, err := jobStore.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, stored.Status)
}

func TestListReconciles(t *testing.T) {
	svc, _, q := newTestService(t)
	first := createJob(t, svc)
	second := createJob(t, svc)
	require.NoError(t, q.RevokeByID(context.Background(), second.QueueTaskID))

	records, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]model.JobRecord{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	assert.Equal(t, model.StatusQueued, byID[first.ID].Status)
	assert.Equal(t, model.StatusCanceled, byID[second.ID].Status)
}

func TestGetRepairsMissingResultShape(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 8, 16, 16})

	got, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 16, 16}, got.ResultShape)
	assert.Equal(t, "image", got.ResultDataset)

	stored, err := jobStore.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 16, 16}, stored.ResultShape)
}

func TestGetRepairsStaleResultShape(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	require.NoError(t, jobStore.Update(context.Background(), rec.ID, store.Patch{ResultShape: []int{4, 4, 4}}))
	writeResult(t, svc, rec.ID, []int{2, 8, 16, 16})

	got, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 16, 16}, got.ResultShape)

	stored, err := jobStore.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 16, 16}, stored.ResultShape)
}

func TestAbortQueuedJob(t *testing.T) {
	svc, _, q := newTestService(t)
	rec := createJob(t, svc)

	got, err := svc.Abort(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.Equal(t, model.AbortedMessage, got.Error)
	assert.True(t, got.CancelRequested)
	assert.True(t, q.revoked[rec.QueueTaskID])
}

func TestAbortStartedJobKeepsStatus(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusStarted)

	got, err := svc.Abort(context.Background(), rec.ID)
	require.NoError(t, err)
	// The runner resolves a started job to STOPPED; the abort only
	// records the request.
	assert.Equal(t, model.StatusStarted, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestAbortIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec := createJob(t, svc)

	first, err := svc.Abort(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCanceled, first.Status)

	second, err := svc.Abort(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, second.Status)
	assert.Equal(t, model.AbortedMessage, second.Error)
}

func TestAbortFinishedJobConflicts(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)

	_, err := svc.Abort(context.Background(), rec.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestDeleteTerminalJob(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 2, 2})

	require.NoError(t, svc.Delete(context.Background(), rec.ID))

	_, err := jobStore.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoFileExists(t, svc.ResultPath(rec.ID))
	assert.NoFileExists(t, svc.InputPath(rec.ID, rec.InputFilename))
}

func TestDeleteRunningJobConflicts(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)

	assert.ErrorIs(t, svc.Delete(context.Background(), rec.ID), model.ErrConflict)

	setStatus(t, jobStore, rec.ID, model.StatusStarted)
	assert.ErrorIs(t, svc.Delete(context.Background(), rec.ID), model.ErrConflict)
}

func TestDeleteUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Delete(context.Background(), "nope"), model.ErrNotFound)
}

func TestCleanupExpired(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	ctx := context.Background()

	expired := createJob(t, svc)
	setStatus(t, jobStore, expired.ID, model.StatusFailed)
	old := model.StatusFailed
	created := time.Now().Add(-48 * time.Hour).UTC()
	// Backdate by rewriting the record.
	stored, err := jobStore.Get(ctx, expired.ID)
	require.NoError(t, err)
	stored.Status = old
	stored.CreatedAt = created
	require.NoError(t, jobStore.Delete(ctx, expired.ID))
	require.NoError(t, jobStore.Create(ctx, stored))

	fresh := createJob(t, svc)
	setStatus(t, jobStore, fresh.ID, model.StatusFinished)

	running := createJob(t, svc)
	setStatus(t, jobStore, running.ID, model.StatusStarted)

	removed, err := svc.CleanupExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = jobStore.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = jobStore.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = jobStore.Get(ctx, running.ID)
	assert.NoError(t, err)
}

func TestVolumeAccess(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 2, 3, 4})

	vol, err := svc.Volume(context.Background(), rec.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, vol.Shape)
	assert.Equal(t, []int{1}, vol.Batch)
	assert.Equal(t, 24.0, volume.Float32s(vol.Data)[0])
}

func TestVolumeRequiresFinishedJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec := createJob(t, svc)

	_, err := svc.Volume(context.Background(), rec.ID, "")
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestVolumeMissingResultFile(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)

	_, err := svc.Volume(context.Background(), rec.ID, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVolumeInvalidBatch(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 2, 3, 4})

	_, err := svc.Volume(context.Background(), rec.ID, "5")
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSliceAccess(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	writeResult(t, svc, rec.ID, []int{2, 3, 4})

	slice, err := svc.Slice(context.Background(), rec.ID, "yx", 1, "")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, slice.Shape)
	assert.Equal(t, volume.OrientationYX, slice.Orientation)
	assert.Equal(t, 1, slice.Index)
	assert.Equal(t, 12.0, volume.Float32s(slice.Data)[0])

	_, err = svc.Slice(context.Background(), rec.ID, "yx", 2, "")
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = svc.Slice(context.Background(), rec.ID, "diagonal", 0, "")
	assert.ErrorAs(t, err, &verr)
}

func TestWindowStatsAccess(t *testing.T) {
	svc, jobStore, _ := newTestService(t)
	rec := createJob(t, svc)
	setStatus(t, jobStore, rec.ID, model.StatusFinished)
	// Values 0..100 in a (1, 1, 101) volume.
	writeResult(t, svc, rec.ID, []int{1, 1, 101})

	limits, err := svc.WindowStats(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, limits.P01, 1e-6)
	assert.InDelta(t, 99.0, limits.P99, 1e-6)
}
