package backup

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

var epoch = time.Unix(1700000000, 0)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// callLog records the calls of all fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeZeebe struct {
	log       *callLog
	states    []types.BackupState // returned by successive GetBackup calls
	pauseErr  error
	resumeErr error
	created   types.BackupID
}

func (z *fakeZeebe) CreateBackup(_ context.Context, id types.BackupID) error {
	z.log.add("zeebe.create")
	z.created = id
	return nil
}

func (z *fakeZeebe) GetBackup(_ context.Context, id types.BackupID) (types.ZeebeBackup, error) {
	z.log.add("zeebe.get")
	return types.ZeebeBackup{BackupID: id, State: next(&z.states)}, nil
}

func (z *fakeZeebe) PauseExport(context.Context) error {
	z.log.add("zeebe.pause")
	return z.pauseErr
}

func (z *fakeZeebe) ResumeExport(context.Context) error {
	z.log.add("zeebe.resume")
	return z.resumeErr
}

type fakeOperate struct {
	log       *callLog
	states    []types.BackupState
	snapshots []string
	createErr error
}

func (o *fakeOperate) CreateBackup(context.Context, types.BackupID) error {
	o.log.add("operate.create")
	return o.createErr
}

func (o *fakeOperate) GetBackup(_ context.Context, id types.BackupID) (types.OperateBackup, error) {
	o.log.add("operate.get")
	desc := types.OperateBackup{BackupID: id, State: next(&o.states)}
	for _, s := range o.snapshots {
		desc.Details = append(desc.Details, types.OperateDetails{SnapshotName: s})
	}
	return desc, nil
}

type fakeSearch struct {
	log           *callLog
	err           error
	indices       []string
	featureStates []string
	name          string
}

func (s *fakeSearch) TakeSnapshot(_ context.Context, indices, featureStates []string, name string) error {
	s.log.add("search.snapshot")
	s.indices, s.featureStates, s.name = indices, featureStates, name
	return s.err
}

type fakeCatalog struct {
	manifests []catalog.Manifest
	err       error
}

func (c *fakeCatalog) Put(_ context.Context, m catalog.Manifest) error {
	c.manifests = append(c.manifests, m)
	return c.err
}

// next pops the first state, repeating the last one forever.
func next(states *[]types.BackupState) types.BackupState {
	s := *states
	if len(s) == 0 {
		return types.StateCompleted
	}
	if len(s) > 1 {
		*states = s[1:]
	}
	return s[0]
}

type fixture struct {
	log     *callLog
	clock   *testclock.Clock
	zeebe   *fakeZeebe
	operate *fakeOperate
	search  *fakeSearch
	catalog *fakeCatalog
	creator *Creator
}

func newFixture(policy PollPolicy) *fixture {
	log := &callLog{}
	f := &fixture{
		log:     log,
		clock:   testclock.NewClock(epoch),
		zeebe:   &fakeZeebe{log: log},
		operate: &fakeOperate{log: log, snapshots: []string{"camunda-operate-1", "camunda-operate-2"}},
		search:  &fakeSearch{log: log},
		catalog: &fakeCatalog{},
	}
	f.creator = NewCreator(f.zeebe, f.operate, f.search, f.clock, policy, testLogger()).WithCatalog(f.catalog)
	return f
}

func TestCreate_Order(t *testing.T) {
	f := newFixture(DefaultPollPolicy())

	id, err := f.creator.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.BackupID(1700000000), id)
	assert.Equal(t, []string{
		"operate.create",
		"operate.get",
		"zeebe.pause",
		"search.snapshot",
		"zeebe.create",
		"zeebe.get",
		"zeebe.resume",
	}, f.log.all())
	assert.Equal(t, id, f.zeebe.created)
}

func TestCreate_ExportSnapshot(t *testing.T) {
	f := newFixture(DefaultPollPolicy())

	_, err := f.creator.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "camunda_zeebe_records_1700000000", f.search.name)
	assert.Equal(t, []string{"zeebe-record*"}, f.search.indices)
	assert.Equal(t, []string{"none"}, f.search.featureStates)
}

func TestCreate_RecordsManifest(t *testing.T) {
	f := newFixture(DefaultPollPolicy())

	id, err := f.creator.Create(context.Background())
	require.NoError(t, err)

	require.Len(t, f.catalog.manifests, 1)
	m := f.catalog.manifests[0]
	assert.Equal(t, id, m.BackupID)
	assert.True(t, m.CreatedAt.Equal(epoch))
	assert.Equal(t, []string{
		"camunda_zeebe_records_1700000000",
		"camunda-operate-1",
		"camunda-operate-2",
	}, m.Snapshots)
	assert.Equal(t, types.StateCompleted, m.OperateState)
}

func TestCreate_CatalogFailureIsNotFatal(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	f.catalog.err = stderrors.New("bucket gone")

	_, err := f.creator.Create(context.Background())
	assert.NoError(t, err)
}

func TestCreate_PollsUntilCompleted(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	f.operate.states = []types.BackupState{types.StateInProgress, types.StateInProgress, types.StateCompleted}

	done := make(chan error, 1)
	go func() {
		_, err := f.creator.Create(context.Background())
		done <- err
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.clock.WaitAdvance(5*time.Second, time.Second, 1))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Create did not return")
	}
	assert.Equal(t, 3, f.log.count("operate.get"))
	assert.Equal(t, 1, f.log.count("zeebe.resume"))
}

func TestCreate_FailFast(t *testing.T) {
	for _, state := range []types.BackupState{types.StateFailed, types.StateIncomplete} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(DefaultPollPolicy())
			f.operate.states = []types.BackupState{state}

			_, err := f.creator.Create(context.Background())
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, ErrBackupFailed), "error %v does not match ErrBackupFailed", err)

			// Nothing was paused, but exporting is resumed anyway.
			assert.Equal(t, []string{"operate.create", "operate.get", "zeebe.resume"}, f.log.all())
		})
	}
}

func TestCreate_MaxAttempts(t *testing.T) {
	policy := DefaultPollPolicy()
	policy.MaxAttempts = 2
	f := newFixture(policy)
	f.operate.states = []types.BackupState{types.StateInProgress}

	done := make(chan error, 1)
	go func() {
		_, err := f.creator.Create(context.Background())
		done <- err
	}()
	require.NoError(t, f.clock.WaitAdvance(5*time.Second, time.Second, 1))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.False(t, stderrors.Is(err, ErrBackupFailed))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Create did not return")
	}
	assert.Equal(t, 2, f.log.count("operate.get"))
	assert.Equal(t, 1, f.log.count("zeebe.resume"))
}

func TestCreate_ResumesAfterCancel(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	f.operate.states = []types.BackupState{types.StateInProgress}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.creator.Create(ctx)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled), "error %v does not match context.Canceled", err)
	assert.Equal(t, 1, f.log.count("zeebe.resume"))
	assert.Equal(t, 0, f.log.count("zeebe.pause"))
}

func TestCreate_ResumesAfterSnapshotFailure(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	snapshotErr := stderrors.New("repository missing")
	f.search.err = snapshotErr

	_, err := f.creator.Create(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, snapshotErr))
	assert.Equal(t, []string{
		"operate.create",
		"operate.get",
		"zeebe.pause",
		"search.snapshot",
		"zeebe.resume",
	}, f.log.all())
	assert.Empty(t, f.catalog.manifests)
}

func TestCreate_CompensationError(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	snapshotErr := stderrors.New("repository missing")
	resumeErr := stderrors.New("gateway unreachable")
	f.search.err = snapshotErr
	f.zeebe.resumeErr = resumeErr

	_, err := f.creator.Create(context.Background())

	var ce *CompensationError
	require.True(t, stderrors.As(err, &ce), "error %v is not a CompensationError", err)
	assert.True(t, stderrors.Is(err, snapshotErr))
	assert.True(t, stderrors.Is(err, resumeErr))
	assert.Equal(t, 1, f.log.count("zeebe.resume"))
}

func TestCreate_OperateRejected(t *testing.T) {
	f := newFixture(DefaultPollPolicy())
	f.operate.createErr = stderrors.New("conflict")

	_, err := f.creator.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"operate.create", "zeebe.resume"}, f.log.all())
}

func TestSnapshotSet(t *testing.T) {
	operate := types.OperateBackup{
		BackupID: 42,
		Details: []types.OperateDetails{
			{SnapshotName: "camunda-operate-a"},
			{SnapshotName: ""},
			{SnapshotName: "camunda-operate-a"},
			{SnapshotName: "camunda_zeebe_records_42"},
			{SnapshotName: "camunda-operate-b"},
		},
	}
	assert.Equal(t, []string{
		"camunda_zeebe_records_42",
		"camunda-operate-a",
		"camunda-operate-b",
	}, SnapshotSet(42, operate))
}
