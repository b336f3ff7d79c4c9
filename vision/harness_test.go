package vision

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/db"
	qntxtest "github.com/teranos/spacerjobs/internal/testing"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/spacer"
)

// ============================================================================
// Reef survey test universe
// ============================================================================
//
// Sources are survey sites, images are quadrat photos, and the simulator
// plays the remote backend. Labels 10, 20 and 30 stand for coral, algae
// and sand.
// ============================================================================

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const extractor = "efficientnet_b0_ver1"

type harness struct {
	conn        *sql.DB
	m           *jobs.Manager
	tasks       *Tasks
	catalog     *Catalog
	annotations *AnnotationStore
	queue       *spacer.LocalQueue
	sim         *spacer.Simulator
	clock       *qntxtest.FakeClock
	notifier    *qntxtest.RecordingNotifier
	errLog      *qntxtest.RecordingErrorLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := qntxtest.NewFakeClock(epoch)
	conn := qntxtest.CreateTestDB(t)
	store := async.NewStore(conn, db.SQLite, async.WithClock(clock.Now))
	h := &harness{
		conn:     conn,
		clock:    clock,
		notifier: &qntxtest.RecordingNotifier{},
		errLog:   &qntxtest.RecordingErrorLog{},
		sim:      spacer.NewSimulator(10, 20, 30),
	}

	registry := jobs.NewRegistry()
	h.m = jobs.NewManager(jobs.Options{
		Store:    store,
		Registry: registry,
		Notifier: h.notifier,
		ErrorLog: h.errLog,
		Clock:    clock.Now,
		Jitter:   func() time.Duration { return 10 * time.Second },
		Logger:   zap.NewNop().Sugar(),
	})
	h.queue = spacer.NewLocalQueue(h.sim)
	h.catalog = NewCatalog(conn, db.SQLite, clock.Now)
	h.annotations = NewAnnotationStore(conn, db.SQLite, clock.Now)
	h.tasks = New(Deps{
		Manager:     h.m,
		Catalog:     h.catalog,
		Annotations: h.annotations,
		Queue:       h.queue,
		Processor:   h.sim,
	}, Config{}, zap.NewNop().Sugar())
	h.tasks.checkDelay = func() time.Duration { return time.Hour }
	registry.Add(h.tasks.Provider())
	return h
}

func (h *harness) source(t *testing.T, name string, trains bool) *Source {
	t.Helper()
	src := &Source{Name: name, FeatureExtractor: extractor, TrainsOwnClassifiers: trains}
	require.NoError(t, h.catalog.CreateSource(context.Background(), src))
	return src
}

// image creates an image with one point per rowcol.
func (h *harness) image(t *testing.T, src *Source, confirmed bool, rowcols ...spacer.RowCol) *Image {
	t.Helper()
	ctx := context.Background()
	img := &Image{SourceID: src.ID, Name: "quadrat.jpg", Width: 400, Height: 300, Confirmed: confirmed}
	require.NoError(t, h.catalog.CreateImage(ctx, img))
	require.NoError(t, h.catalog.AddPoints(ctx, img.ID, rowcols...))
	return img
}

func (h *harness) extracted(t *testing.T, img *Image, extractorName string) {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.catalog.SaveFeatures(context.Background(), &Features{
		ImageID:       img.ID,
		Extracted:     true,
		Extractor:     extractorName,
		HasRowCols:    true,
		ExtractedDate: &now,
	}))
}

func (h *harness) classifier(t *testing.T, src *Source, status ClassifierStatus, trainImages int) *Classifier {
	t.Helper()
	cl := &Classifier{SourceID: src.ID, Status: status, NbrTrainImages: trainImages}
	require.NoError(t, h.catalog.CreateClassifier(context.Background(), cl))
	return cl
}

func (h *harness) deploy(t *testing.T, src *Source, cl *Classifier) {
	t.Helper()
	require.NoError(t, h.catalog.SetDeployedClassifier(context.Background(), src.ID, cl.ID))
	src.DeployedClassifierID = &cl.ID
}

// run schedules name and executes it right away, returning the job as
// stored afterwards.
func (h *harness) run(t *testing.T, name string, args []string, opts ...jobs.Option) (*async.Job, jobs.Outcome) {
	t.Helper()
	ctx := context.Background()
	job, _, err := h.m.ScheduleJob(ctx, name, args, opts...)
	require.NoError(t, err)
	out := h.m.Execute(ctx, jobs.Task{Name: name, Args: args, JobID: job.ID})
	return h.job(t, job.ID), out
}

func (h *harness) job(t *testing.T, id int64) *async.Job {
	t.Helper()
	job, err := h.m.Store().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) pending(t *testing.T, name string) []*async.Job {
	t.Helper()
	list, err := h.m.Store().List(context.Background(), async.ListFilter{
		Status:        async.JobStatusPending,
		Name:          name,
		IncludeHidden: true,
	})
	require.NoError(t, err)
	return list
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func rc(row, col int) spacer.RowCol { return spacer.RowCol{Row: row, Col: col} }
