// Package vision holds the machine-vision jobs: submitting work to the
// spacer backend, collecting and handling its results, classifying
// images inline, and deciding what a source needs next.
package vision

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/spacer"
)

// Job names.
const (
	ExtractFeaturesName   = spacer.TaskExtractFeatures
	TrainClassifierName   = spacer.TaskTrainClassifier
	ClassifyImageName     = spacer.TaskClassifyImage
	ClassifyFeaturesName  = "classify_features"
	CollectSpacerJobsName = "collect_spacer_jobs"
	CheckSourceName       = "check_source"
	CheckAllSourcesName   = "check_all_sources"

	ResetFeaturesForSourceName    = "reset_features_for_source"
	ResetClassifiersForSourceName = "reset_classifiers_for_source"
)

// Defaults for Config.
const (
	DefaultNewClassifierImprovementTH = 1.01
	DefaultEmailSizeSoftLimit         = 6000
	DefaultTrainingEpochs             = 10
	DefaultMinTrainImages             = 3
	DefaultNewImagesRatio             = 1.1
	DefaultMaxImagePixels             = 10000 * 10000
	DefaultScoresPerPoint             = 5
	DefaultCheckSpread                = 4 * time.Hour
)

// Pixel and annotation thresholds above which a remote job asks for the
// high spec.
const (
	HighSpecPixels      = 6000 * 6000
	HighSpecAnnotations = 10000 * 20
)

// Config tunes the vision jobs.
type Config struct {
	// MaxDuration time-boxes collection and source checks.
	MaxDuration time.Duration
	// NewClassifierImprovementTH is how much better than the best previous
	// classifier a new one must be to get accepted.
	NewClassifierImprovementTH float64
	EmailSizeSoftLimit         int
	TrainingEpochs             int
	MinTrainImages             int
	// NewImagesRatio is the growth in trainable images that warrants
	// training again.
	NewImagesRatio float64
	MaxImagePixels int64
	ScoresPerPoint int
	// CheckSpread is the window check_all_sources spreads source checks over.
	CheckSpread time.Duration
}

func (c *Config) fill() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	if c.NewClassifierImprovementTH <= 0 {
		c.NewClassifierImprovementTH = DefaultNewClassifierImprovementTH
	}
	if c.EmailSizeSoftLimit <= 0 {
		c.EmailSizeSoftLimit = DefaultEmailSizeSoftLimit
	}
	if c.TrainingEpochs <= 0 {
		c.TrainingEpochs = DefaultTrainingEpochs
	}
	if c.MinTrainImages <= 0 {
		c.MinTrainImages = DefaultMinTrainImages
	}
	if c.NewImagesRatio <= 0 {
		c.NewImagesRatio = DefaultNewImagesRatio
	}
	if c.MaxImagePixels <= 0 {
		c.MaxImagePixels = DefaultMaxImagePixels
	}
	if c.ScoresPerPoint <= 0 {
		c.ScoresPerPoint = DefaultScoresPerPoint
	}
	if c.CheckSpread <= 0 {
		c.CheckSpread = DefaultCheckSpread
	}
}

// Tasks implements the vision jobs on top of the job manager.
type Tasks struct {
	m           *jobs.Manager
	catalog     *Catalog
	annotations *AnnotationStore
	queue       spacer.Queue
	processor   spacer.Processor
	handlers    map[string]*ResultHandler
	cfg         Config
	log         *zap.SugaredLogger

	// checkDelay picks when check_all_sources schedules each check.
	checkDelay func() time.Duration
}

// Deps are the collaborators of the vision jobs.
type Deps struct {
	Manager     *jobs.Manager
	Catalog     *Catalog
	Annotations *AnnotationStore
	Queue       spacer.Queue
	Processor   spacer.Processor
}

// New creates the vision jobs. Zero config values take the defaults.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Tasks {
	cfg.fill()
	if log == nil {
		log = logger.Logger
	}
	t := &Tasks{
		m:           deps.Manager,
		catalog:     deps.Catalog,
		annotations: deps.Annotations,
		queue:       deps.Queue,
		processor:   deps.Processor,
		cfg:         cfg,
		log:         logger.AddSpacerSymbol(log.Named("vision")),
	}
	spread := int64(cfg.CheckSpread / time.Second)
	t.checkDelay = func() time.Duration {
		return time.Duration(1+rand.Int64N(max(spread-1, 1))) * time.Second
	}
	t.handlers = map[string]*ResultHandler{}
	for _, h := range []TaskHandler{&featuresHandler{t}, &trainHandler{t}, &classifyHandler{t}} {
		t.handlers[h.JobName()] = t.newResultHandler(h)
	}
	return t
}

// Catalog returns the vision catalog.
func (t *Tasks) Catalog() *Catalog { return t.catalog }

// Handler returns the result handler for a spacer task name.
func (t *Tasks) Handler(taskName string) (*ResultHandler, bool) {
	h, ok := t.handlers[taskName]
	return h, ok
}

// Provider registers the vision jobs.
func (t *Tasks) Provider() jobs.Provider {
	return func(b *jobs.RegistryBuilder) {
		b.Register(jobs.Registration{
			Name:      ExtractFeaturesName,
			Variant:   jobs.VariantStarter,
			Start:     t.SubmitFeatures,
			EntityArg: "image_id",
		})
		b.Register(jobs.Registration{
			Name:      TrainClassifierName,
			Variant:   jobs.VariantStarter,
			Start:     t.SubmitClassifier,
			EntityArg: "source_id",
		})
		b.Register(jobs.Registration{
			Name:      ClassifyImageName,
			Variant:   jobs.VariantStarter,
			Start:     t.Deploy,
			QueueName: jobs.QueueRealtime,
		})
		b.Register(jobs.Registration{
			Name:      ClassifyFeaturesName,
			Variant:   jobs.VariantRunner,
			Run:       t.ClassifyFeatures,
			EntityArg: "image_id",
		})
		b.Register(jobs.Registration{
			Name:    CollectSpacerJobsName,
			Variant: jobs.VariantRunner,
			Run:     func(ctx context.Context, _ []string) jobs.Outcome { return t.CollectSpacerJobs(ctx) },
		})
		b.Register(jobs.Registration{
			Name:      CheckSourceName,
			Variant:   jobs.VariantRunner,
			Run:       t.CheckSource,
			EntityArg: "source_id",
			QueueName: jobs.QueueBackground,
		})
		b.Register(jobs.Registration{
			Name:      CheckAllSourcesName,
			Variant:   jobs.VariantRunner,
			Run:       func(ctx context.Context, _ []string) jobs.Outcome { return t.CheckAllSources(ctx) },
			QueueName: jobs.QueueBackground,
		})
		b.Register(jobs.Registration{
			Name:      ResetFeaturesForSourceName,
			Variant:   jobs.VariantRunner,
			Run:       t.ResetFeaturesForSource,
			EntityArg: "source_id",
		})
		b.Register(jobs.Registration{
			Name:      ResetClassifiersForSourceName,
			Variant:   jobs.VariantRunner,
			Run:       t.ResetClassifiersForSource,
			EntityArg: "source_id",
		})
		b.Periodic(CollectSpacerJobsName, time.Minute, 0)
		// Daily at 07:00 UTC, away from the busiest hours of big users.
		b.Periodic(CheckAllSourcesName, 24*time.Hour, 7*time.Hour)
	}
}

// intArg parses the i-th job argument.
func intArg(args []string, i int, what string) (int64, error) {
	if i >= len(args) {
		return 0, errors.NewInvalidRequestError("missing %s argument", what)
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, errors.NewInvalidRequestError("bad %s argument %q", what, args[i])
	}
	return v, nil
}

// ScheduleSourceCheck schedules check_source for sourceID.
func (t *Tasks) ScheduleSourceCheck(ctx context.Context, sourceID int64, opts ...jobs.Option) (bool, error) {
	opts = append([]jobs.Option{jobs.WithSource(sourceID)}, opts...)
	_, created, err := t.m.ScheduleJob(ctx, CheckSourceName, []string{strconv.FormatInt(sourceID, 10)}, opts...)
	return created, err
}

// coreJobNames are the jobs whose completion may change what a source
// needs next.
var coreJobNames = []string{ExtractFeaturesName, TrainClassifierName}

// checkSourceIfIdle schedules a source check once no core job of the
// source is incomplete.
func (t *Tasks) checkSourceIfIdle(ctx context.Context, sourceID *int64) {
	if sourceID == nil {
		return
	}
	n, err := t.m.Store().CountIncomplete(ctx, coreJobNames, *sourceID)
	if err != nil {
		t.log.Warnw("Failed to count incomplete source jobs",
			logger.FieldSourceID, *sourceID,
			logger.FieldError, err)
		return
	}
	if n > 0 {
		return
	}
	if _, err := t.ScheduleSourceCheck(ctx, *sourceID); err != nil {
		t.log.Warnw("Failed to schedule source check",
			logger.FieldSourceID, *sourceID,
			logger.FieldError, err)
	}
}
