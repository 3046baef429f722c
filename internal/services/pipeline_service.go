package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"airquality-platform/internal/models"
	"airquality-platform/internal/predict"
	"airquality-platform/internal/quality"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/staging"
	"airquality-platform/internal/transform"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Pipeline stage names used in logs, metrics and staging errors
const (
	StageDirect    = "direct"
	StageExtract   = "extract"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageLoad      = "load"
)

// City outcomes
const (
	CityLoaded = "loaded"
	CityNoData = "no_data"
	CityFailed = "failed"
)

// RunIDPlaceholder in PipelineConfig.QualityReport is replaced by the run id
const RunIDPlaceholder = "{run_id}"

// Fetcher returns the raw source payloads for a city. Failures degrade to
// empty payloads rather than errors.
type Fetcher interface {
	Fetch(ctx context.Context, city models.City) models.SourcePayloads
}

// Loader persists one city's finished records
type Loader interface {
	LoadCity(ctx context.Context, city models.City, records []models.Record, fit models.ModelFit) (*repository.LoadResult, error)
	HealthCheck(ctx context.Context) error
}

// PipelineConfig carries the run-wide settings
type PipelineConfig struct {
	Cities        []models.City
	Model         predict.Config
	MaxDataAge    time.Duration
	QualityReport string
}

// PipelineService runs the ETL pipeline, either in one call or as four staged steps
type PipelineService struct {
	fetcher Fetcher
	loader  Loader
	store   *staging.Store
	cfg     PipelineConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// CityResult is the outcome of one city within a run
type CityResult struct {
	City    string          `json:"city"`
	Outcome string          `json:"outcome"`
	Rows    int             `json:"rows"`
	Fit     models.ModelFit `json:"fit"`
	CityID  int64           `json:"city_id,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RunSummary describes a direct run
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started_at"`
	Duration time.Duration `json:"duration"`
	Cities   []CityResult  `json:"cities"`
	Loaded   int           `json:"loaded"`
	NoData   int           `json:"no_data"`
	Failed   int           `json:"failed"`
}

func (s *RunSummary) add(r CityResult) {
	s.Cities = append(s.Cities, r)
	switch r.Outcome {
	case CityLoaded:
		s.Loaded++
	case CityNoData:
		s.NoData++
	case CityFailed:
		s.Failed++
	}
}

// TransformSummary describes a transform step
type TransformSummary struct {
	RunID  string       `json:"run_id"`
	Rows   int          `json:"rows"`
	Cities []CityResult `json:"cities"`
}

// ValidationReport describes a validate step that passed the hard gates
type ValidationReport struct {
	RunID     string         `json:"run_id"`
	TotalRows int            `json:"total_rows"`
	Quality   quality.Result `json:"quality"`
}

// LoadSummary describes a load step
type LoadSummary struct {
	RunID        string             `json:"run_id"`
	QualityScore float64            `json:"quality_score"`
	Cities       []staging.CityLoad `json:"cities"`
	Failed       []string           `json:"failed,omitempty"`
}

// NewPipelineService creates a pipeline service. store may be nil when only
// direct runs are used.
func NewPipelineService(fetcher Fetcher, loader Loader, store *staging.Store, cfg PipelineConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	if cfg.Model.MinTrainingRows == 0 {
		cfg.Model = predict.DefaultConfig()
	}
	return &PipelineService{
		fetcher: fetcher,
		loader:  loader,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunDirect runs fetch, transform, predict and load for every city in one call.
// Storage must be reachable up front; after that a failing city never stops the others.
func (s *PipelineService) RunDirect(ctx context.Context) (summary *RunSummary, err error) {
	runID := newRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	timer := s.metrics.NewTimer(s.metrics.StageDuration.WithLabelValues(StageDirect))
	defer func() {
		timer.ObserveDuration()
		s.metrics.RecordStage(StageDirect, err)
	}()

	s.logger.Info(ctx, "[PIPELINE_START] Starting direct pipeline run", logging.Fields{
		"cities": len(s.cfg.Cities),
		"stage":  StageDirect,
	})

	if err := s.loader.HealthCheck(ctx); err != nil {
		s.logger.Error(ctx, "[PIPELINE_STORAGE_ERROR] Storage unreachable, no city processed", logging.Fields{
			"stage": StageDirect,
		}, err)
		return nil, fmt.Errorf("storage unavailable: %w", err)
	}

	summary = &RunSummary{RunID: runID, Started: s.now()}
	for _, city := range s.cfg.Cities {
		summary.add(s.runCity(ctx, city))
	}
	summary.Duration = time.Since(summary.Started)

	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Direct pipeline run finished", logging.Fields{
		"loaded":      summary.Loaded,
		"no_data":     summary.NoData,
		"failed":      summary.Failed,
		"duration_ms": summary.Duration.Milliseconds(),
	})
	return summary, nil
}

// runCity isolates one city, including panics, from its siblings
func (s *PipelineService) runCity(ctx context.Context, city models.City) (result CityResult) {
	result = CityResult{City: city.Name}
	log := s.logger.WithFields(logging.Fields{"city": city.Name, "stage": StageDirect})
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = CityFailed
			result.Error = fmt.Sprintf("panic: %v", r)
			log.Error(ctx, "[PIPELINE_CITY_ERROR] City processing panicked", logging.Fields{}, fmt.Errorf("%v", r))
		}
		s.metrics.RecordCity(result.Outcome)
	}()

	records := transform.MergePayloads(s.fetcher.Fetch(ctx, city))
	if len(records) == 0 {
		log.Warn(ctx, "[PIPELINE_CITY_NO_DATA] No joined rows, skipping city", logging.Fields{})
		result.Outcome = CityNoData
		return result
	}

	predicted, fit := s.predict(ctx, city, records)
	result.Rows = len(predicted)
	result.Fit = fit

	load, err := s.loader.LoadCity(ctx, city, predicted, fit)
	if err != nil {
		log.Error(ctx, "[PIPELINE_CITY_ERROR] City load failed", logging.Fields{
			"rows": len(predicted),
		}, err)
		result.Outcome = CityFailed
		result.Error = err.Error()
		return result
	}

	result.Outcome = CityLoaded
	if load != nil {
		result.CityID = load.CityID
	}
	return result
}

// predict fits the model for one city and reports its confidence
func (s *PipelineService) predict(ctx context.Context, city models.City, records []models.Record) ([]models.Record, models.ModelFit) {
	predicted, fit := predict.FitAndPredict(records, s.cfg.Model)

	fields := logging.Fields{
		"city":          city.Name,
		"training_rows": fit.TrainingRows,
	}
	switch {
	case fit.Skipped:
		fields["min_training_rows"] = s.cfg.Model.MinTrainingRows
		s.logger.Info(ctx, "[PREDICT_SKIPPED] Not enough training rows, predictions left empty", fields)
	case fit.LowConfidence:
		fields["r_squared"] = *fit.RSquared
		fields["threshold"] = s.cfg.Model.LowConfidenceR2
		s.logger.Warn(ctx, "[PREDICT_LOW_CONFIDENCE] Model fit below confidence threshold", fields)
	default:
		fields["r_squared"] = *fit.RSquared
		s.logger.Debug(ctx, "[PREDICT_FIT] Model fitted", fields)
	}
	if fit.RSquared != nil {
		s.metrics.RecordModelFit(city.Name, *fit.RSquared, fit.LowConfidence)
	}

	return predicted, fit
}

// Extract fetches every city and stores the raw payloads under a new run id
func (s *PipelineService) Extract(ctx context.Context) (runID string, err error) {
	if err := s.requireStore(); err != nil {
		return "", err
	}
	timer := s.metrics.NewTimer(s.metrics.StageDuration.WithLabelValues(StageExtract))
	defer func() {
		timer.ObserveDuration()
		s.metrics.RecordStage(StageExtract, err)
	}()

	art := &staging.ExtractArtifact{ExtractedAt: s.now()}
	for _, city := range s.cfg.Cities {
		payloads := s.fetcher.Fetch(ctx, city)
		if payloads.Empty() {
			s.logger.Warn(ctx, "[PIPELINE_CITY_NO_DATA] Nothing fetched for city", logging.Fields{
				"city":  city.Name,
				"stage": StageExtract,
			})
		}
		art.Cities = append(art.Cities, staging.CityPayloads{City: city, Payloads: payloads})
	}

	runID, err = s.store.BeginRun(ctx, art)
	if err != nil {
		return "", err
	}

	s.logger.Info(logging.ContextWithRunID(ctx, runID), "[PIPELINE_EXTRACT_COMPLETE] Extract step finished", logging.Fields{
		"cities": len(art.Cities),
	})
	return runID, nil
}

// Transform merges and predicts every extracted city. An empty runID means the latest run.
func (s *PipelineService) Transform(ctx context.Context, runID string) (summary *TransformSummary, err error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	timer := s.metrics.NewTimer(s.metrics.StageDuration.WithLabelValues(StageTransform))
	defer func() {
		timer.ObserveDuration()
		s.metrics.RecordStage(StageTransform, err)
	}()

	runID, err = s.store.ResolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithRunID(ctx, runID)

	if _, err := s.store.Require(ctx, StageTransform, runID, staging.StateExtracted); err != nil {
		return nil, err
	}
	extract, err := s.store.ReadExtract(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary = &TransformSummary{RunID: runID}
	art := &staging.TransformArtifact{RunID: runID}
	for _, cp := range extract.Cities {
		records := transform.MergePayloads(cp.Payloads)
		if len(records) == 0 {
			s.logger.Warn(ctx, "[PIPELINE_CITY_NO_DATA] No joined rows, skipping city", logging.Fields{
				"city":  cp.City.Name,
				"stage": StageTransform,
			})
			summary.Cities = append(summary.Cities, CityResult{City: cp.City.Name, Outcome: CityNoData})
			continue
		}

		predicted, fit := s.predict(ctx, cp.City, records)
		art.Cities = append(art.Cities, staging.CityRecords{City: cp.City, Records: predicted, Fit: fit})
		summary.Cities = append(summary.Cities, CityResult{City: cp.City.Name, Outcome: "transformed", Rows: len(predicted), Fit: fit})
		summary.Rows += len(predicted)
	}

	if err := s.store.CompleteTransform(ctx, art); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "[PIPELINE_TRANSFORM_COMPLETE] Transform step finished", logging.Fields{
		"cities": len(art.Cities),
		"rows":   summary.Rows,
	})
	return summary, nil
}

// Validate gates the load step. No rows at all, or any negative particulate
// reading, fails the step with an IntegrityError. Other quality findings are
// scored and stored but do not fail it.
func (s *PipelineService) Validate(ctx context.Context, runID string) (report *ValidationReport, err error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	timer := s.metrics.NewTimer(s.metrics.StageDuration.WithLabelValues(StageValidate))
	defer func() {
		timer.ObserveDuration()
		s.metrics.RecordStage(StageValidate, err)
	}()

	runID, err = s.store.ResolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithRunID(ctx, runID)

	if _, err := s.store.Require(ctx, StageValidate, runID, staging.StateTransformed); err != nil {
		return nil, err
	}
	art, err := s.store.ReadTransform(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := checkIntegrity(runID, art); err != nil {
		s.logger.Error(ctx, "[PIPELINE_VALIDATE_FAILED] Data integrity gate failed", logging.Fields{
			"stage": StageValidate,
		}, err)
		return nil, err
	}

	order := make([]string, 0, len(art.Cities))
	byCity := make(map[string][]models.Record, len(art.Cities))
	for _, c := range art.Cities {
		order = append(order, c.City.Name)
		byCity[c.City.Name] = c.Records
	}

	result := quality.ValidateTable(ctx, quality.CityTable(order, byCity), quality.Options{
		ReportPath: s.reportPath(runID),
		MaxAge:     s.cfg.MaxDataAge,
		Now:        s.now,
		Logger:     s.logger,
	})
	s.metrics.QualityScore.Set(result.Score)

	if err := s.store.CompleteValidate(ctx, &staging.ValidateArtifact{
		RunID:        runID,
		TotalRows:    art.TotalRows(),
		QualityScore: result.Score,
		Violations:   result.Violations,
		ReportFile:   result.ReportFile,
	}); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "[PIPELINE_VALIDATE_COMPLETE] Validate step finished", logging.Fields{
		"total_rows":    art.TotalRows(),
		"quality_score": result.Score,
		"violations":    result.ViolationsCount,
		"report_file":   result.ReportFile,
	})
	return &ValidationReport{RunID: runID, TotalRows: art.TotalRows(), Quality: result}, nil
}

// checkIntegrity enforces the hard gates of the validate step
func checkIntegrity(runID string, art *staging.TransformArtifact) error {
	if art.TotalRows() == 0 {
		return &IntegrityError{RunID: runID, Reason: "no rows to load"}
	}

	negative := 0
	for _, c := range art.Cities {
		for _, r := range c.Records {
			if isNegative(r.PM25) || isNegative(r.PM10) {
				negative++
			}
		}
	}
	if negative > 0 {
		return &IntegrityError{RunID: runID, Reason: "negative particulate readings survived cleansing", Count: negative}
	}
	return nil
}

func isNegative(v *float64) bool {
	return v != nil && *v < 0
}

// Load writes every transformed city to storage. Failed cities are collected
// into the returned error and the run stays VALIDATED so the step can be rerun.
func (s *PipelineService) Load(ctx context.Context, runID string) (summary *LoadSummary, err error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	timer := s.metrics.NewTimer(s.metrics.StageDuration.WithLabelValues(StageLoad))
	defer func() {
		timer.ObserveDuration()
		s.metrics.RecordStage(StageLoad, err)
	}()

	if err := s.loader.HealthCheck(ctx); err != nil {
		s.logger.Error(ctx, "[PIPELINE_STORAGE_ERROR] Storage unreachable", logging.Fields{
			"stage": StageLoad,
		}, err)
		return nil, fmt.Errorf("storage unavailable: %w", err)
	}

	runID, err = s.store.ResolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithRunID(ctx, runID)

	if _, err := s.store.Require(ctx, StageLoad, runID, staging.StateValidated); err != nil {
		return nil, err
	}
	validated, err := s.store.ReadValidate(ctx, runID)
	if err != nil {
		return nil, err
	}
	art, err := s.store.ReadTransform(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "[PIPELINE_LOAD_START] Loading validated run", logging.Fields{
		"cities":        len(art.Cities),
		"total_rows":    validated.TotalRows,
		"quality_score": validated.QualityScore,
		"violations":    len(validated.Violations),
	})

	summary = &LoadSummary{RunID: runID, QualityScore: validated.QualityScore}
	var errs *multierror.Error
	for _, c := range art.Cities {
		load, err := s.loadCity(ctx, c)
		if err != nil {
			s.logger.WithFields(logging.Fields{"city": c.City.Name, "stage": StageLoad}).
				Error(ctx, "[PIPELINE_CITY_ERROR] City load failed", logging.Fields{}, err)
			s.metrics.RecordCity(CityFailed)
			summary.Failed = append(summary.Failed, c.City.Name)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.City.Name, err))
			continue
		}

		cl := staging.CityLoad{City: c.City.Name}
		if load != nil {
			cl.CityID = load.CityID
			cl.WeatherRows = load.WeatherRows
			cl.AirQualityRows = load.AirQualityRows
		}
		summary.Cities = append(summary.Cities, cl)
		s.metrics.RecordCity(CityLoaded)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return summary, fmt.Errorf("load step for run %s: %d of %d cities failed: %w",
			runID, len(summary.Failed), len(art.Cities), err)
	}

	if err := s.store.CompleteLoad(ctx, &staging.LoadArtifact{RunID: runID, Cities: summary.Cities}); err != nil {
		return summary, err
	}

	s.logger.Info(ctx, "[PIPELINE_LOAD_COMPLETE] Load step finished", logging.Fields{
		"cities": len(summary.Cities),
	})
	return summary, nil
}

// loadCity turns a panic in one city's load into an error for that city
func (s *PipelineService) loadCity(ctx context.Context, c staging.CityRecords) (load *repository.LoadResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			load, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.loader.LoadCity(ctx, c.City, c.Records, c.Fit)
}

// RunStaged runs extract, transform, validate and load back to back through the store
func (s *PipelineService) RunStaged(ctx context.Context) (*LoadSummary, error) {
	runID, err := s.Extract(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Transform(ctx, runID); err != nil {
		return nil, err
	}
	if _, err := s.Validate(ctx, runID); err != nil {
		return nil, err
	}
	return s.Load(ctx, runID)
}

func (s *PipelineService) reportPath(runID string) string {
	return strings.ReplaceAll(s.cfg.QualityReport, RunIDPlaceholder, runID)
}

func (s *PipelineService) requireStore() error {
	if s.store == nil {
		return errors.New("staged pipeline requires a staging store")
	}
	return nil
}
