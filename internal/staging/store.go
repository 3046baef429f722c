package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"airquality-platform/internal/models"
	"airquality-platform/internal/quality"
	"airquality-platform/pkg/logging"
)

// State of a staged run. A run only moves forward one state at a time.
type State string

const (
	StateExtracted   State = "EXTRACTED"
	StateTransformed State = "TRANSFORMED"
	StateValidated   State = "VALIDATED"
	StateLoaded      State = "LOADED"
)

const latestKey = "LATEST"

// CityPayloads is the raw extract output for one city
type CityPayloads struct {
	City     models.City           `json:"city"`
	Payloads models.SourcePayloads `json:"payloads"`
}

// ExtractArtifact is written by the extract step
type ExtractArtifact struct {
	RunID       string         `json:"run_id"`
	ExtractedAt time.Time      `json:"extracted_at"`
	Cities      []CityPayloads `json:"cities"`
}

// CityRecords is the transformed output for one city
type CityRecords struct {
	City    models.City     `json:"city"`
	Records []models.Record `json:"records"`
	Fit     models.ModelFit `json:"fit"`
}

// TransformArtifact is written by the transform step
type TransformArtifact struct {
	RunID         string        `json:"run_id"`
	TransformedAt time.Time     `json:"transformed_at"`
	Cities        []CityRecords `json:"cities"`
}

// TotalRows counts records across all cities
func (a *TransformArtifact) TotalRows() int {
	n := 0
	for _, c := range a.Cities {
		n += len(c.Records)
	}
	return n
}

// ValidateArtifact is written by the validate step once the hard gates pass
type ValidateArtifact struct {
	RunID        string              `json:"run_id"`
	ValidatedAt  time.Time           `json:"validated_at"`
	TotalRows    int                 `json:"total_rows"`
	QualityScore float64             `json:"quality_score"`
	Violations   []quality.Violation `json:"violations"`
	ReportFile   string              `json:"report_file,omitempty"`
}

// CityLoad records what the load step wrote for one city
type CityLoad struct {
	City           string `json:"city"`
	CityID         int64  `json:"city_id"`
	WeatherRows    int    `json:"weather_rows"`
	AirQualityRows int    `json:"air_quality_rows"`
}

// LoadArtifact is written when every city has been loaded
type LoadArtifact struct {
	RunID    string     `json:"run_id"`
	LoadedAt time.Time  `json:"loaded_at"`
	Cities   []CityLoad `json:"cities"`
}

// Transition is one entry of a run's history
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Manifest tracks a run's current state
type Manifest struct {
	RunID     string       `json:"run_id"`
	CreatedAt time.Time    `json:"created_at"`
	State     State        `json:"state"`
	History   []Transition `json:"history"`
}

// StageError is a failed step precondition: missing or unreadable artifact,
// or a run in the wrong state.
type StageError struct {
	Stage string
	RunID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s step for run %s: %v", e.Stage, e.RunID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsTransient returns false; rerunning the same step will not fix a broken handoff
func (e *StageError) IsTransient() bool { return false }

// Store reads and writes run artifacts through a Backend
type Store struct {
	backend Backend
	logger  *logging.StructuredLogger
	now     func() time.Time
}

// NewStore wraps backend
func NewStore(backend Backend, logger *logging.StructuredLogger) *Store {
	return &Store{backend: backend, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// BeginRun stores the extract artifact under a new run id and points LATEST at it
func (s *Store) BeginRun(ctx context.Context, art *ExtractArtifact) (string, error) {
	runID := uuid.NewString()
	now := s.now()
	art.RunID = runID
	if art.ExtractedAt.IsZero() {
		art.ExtractedAt = now
	}

	if err := s.create(ctx, "extract", runID, artifactKey(runID, "extract"), art); err != nil {
		return "", err
	}

	manifest := &Manifest{
		RunID:     runID,
		CreatedAt: now,
		State:     StateExtracted,
		History:   []Transition{{State: StateExtracted, At: now}},
	}
	if err := s.putJSON(ctx, manifestKey(runID), manifest); err != nil {
		return "", &StageError{Stage: "extract", RunID: runID, Err: err}
	}
	if err := s.backend.Put(ctx, latestKey, []byte(runID)); err != nil {
		return "", &StageError{Stage: "extract", RunID: runID, Err: fmt.Errorf("failed to update %s: %w", latestKey, err)}
	}

	s.logger.Info(ctx, "[STAGING_RUN_CREATED] Extract artifact stored", logging.Fields{
		"run_id":  runID,
		"cities":  len(art.Cities),
		"backend": s.backend.Type(),
	})
	return runID, nil
}

// ResolveRun returns runID, or the most recently extracted run when runID is empty
func (s *Store) ResolveRun(ctx context.Context, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	data, err := s.backend.Get(ctx, latestKey)
	if err != nil {
		return "", &StageError{Stage: "resolve", RunID: latestKey, Err: err}
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", &StageError{Stage: "resolve", RunID: latestKey, Err: errors.New("empty run pointer")}
	}
	return id, nil
}

// Manifest reads a run's manifest
func (s *Store) Manifest(ctx context.Context, runID string) (*Manifest, error) {
	var m Manifest
	if err := s.readJSON(ctx, "manifest", runID, manifestKey(runID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadExtract loads the extract artifact
func (s *Store) ReadExtract(ctx context.Context, runID string) (*ExtractArtifact, error) {
	var art ExtractArtifact
	if err := s.readJSON(ctx, "extract", runID, artifactKey(runID, "extract"), &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// ReadTransform loads the transform artifact
func (s *Store) ReadTransform(ctx context.Context, runID string) (*TransformArtifact, error) {
	var art TransformArtifact
	if err := s.readJSON(ctx, "transform", runID, artifactKey(runID, "transform"), &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// ReadValidate loads the validate artifact
func (s *Store) ReadValidate(ctx context.Context, runID string) (*ValidateArtifact, error) {
	var art ValidateArtifact
	if err := s.readJSON(ctx, "validate", runID, artifactKey(runID, "validate"), &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// Require fails unless the run is exactly in state want
func (s *Store) Require(ctx context.Context, stage, runID string, want State) (*Manifest, error) {
	m := &Manifest{}
	if err := s.readJSON(ctx, stage, runID, manifestKey(runID), m); err != nil {
		return nil, err
	}
	if m.State != want {
		return nil, &StageError{
			Stage: stage,
			RunID: runID,
			Err:   fmt.Errorf("run is %s, step requires %s", m.State, want),
		}
	}
	return m, nil
}

// CompleteTransform stores the transform artifact and moves EXTRACTED to TRANSFORMED.
// If a previous attempt already stored the artifact, that one is kept.
func (s *Store) CompleteTransform(ctx context.Context, art *TransformArtifact) error {
	art.TransformedAt = s.now()
	return s.advance(ctx, "transform", art.RunID, StateExtracted, StateTransformed, art)
}

// CompleteValidate stores the validate artifact and moves TRANSFORMED to VALIDATED
func (s *Store) CompleteValidate(ctx context.Context, art *ValidateArtifact) error {
	art.ValidatedAt = s.now()
	return s.advance(ctx, "validate", art.RunID, StateTransformed, StateValidated, art)
}

// CompleteLoad stores the load artifact and moves VALIDATED to LOADED
func (s *Store) CompleteLoad(ctx context.Context, art *LoadArtifact) error {
	art.LoadedAt = s.now()
	return s.advance(ctx, "load", art.RunID, StateValidated, StateLoaded, art)
}

func (s *Store) advance(ctx context.Context, stage, runID string, from, to State, art interface{}) error {
	m, err := s.Require(ctx, stage, runID, from)
	if err != nil {
		return err
	}

	key := artifactKey(runID, stage)
	if err := s.create(ctx, stage, runID, key, art); err != nil {
		if !errors.Is(err, ErrExists) {
			return err
		}
		// an earlier attempt stored the artifact but failed to move the manifest;
		// the stored artifact stays authoritative and the transition is finished now
		s.logger.Warn(ctx, "[STAGING_RECOVER] Completing transition for an existing artifact", logging.Fields{
			"run_id": runID,
			"stage":  stage,
			"key":    key,
		})
	}

	now := s.now()
	m.State = to
	m.History = append(m.History, Transition{State: to, At: now})
	if err := s.putJSON(ctx, manifestKey(runID), m); err != nil {
		return &StageError{Stage: stage, RunID: runID, Err: err}
	}

	s.logger.Info(ctx, "[STAGING_STATE] Run advanced", logging.Fields{
		"run_id": runID,
		"from":   string(from),
		"to":     string(to),
	})
	return nil
}

func (s *Store) create(ctx context.Context, stage, runID, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &StageError{Stage: stage, RunID: runID, Err: fmt.Errorf("failed to encode %s: %w", key, err)}
	}
	if err := s.backend.Create(ctx, key, data); err != nil {
		return &StageError{Stage: stage, RunID: runID, Err: err}
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.backend.Put(ctx, key, data)
}

func (s *Store) readJSON(ctx context.Context, stage, runID, key string, v interface{}) error {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return &StageError{Stage: stage, RunID: runID, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &StageError{Stage: stage, RunID: runID, Err: fmt.Errorf("malformed artifact %s: %w", key, err)}
	}
	return nil
}

func artifactKey(runID, stage string) string {
	return "runs/" + runID + "/" + stage + ".json"
}

func manifestKey(runID string) string {
	return "runs/" + runID + "/manifest.json"
}
