package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir)
	require.NoError(t, err)
	return NewStore(backend, logging.Discard()), dir
}

func sampleExtract() *ExtractArtifact {
	temp := 20.0
	return &ExtractArtifact{
		Cities: []CityPayloads{{
			City: models.City{Name: "Berlin", CountryCode: "DE", Latitude: 52.52, Longitude: 13.405},
			Payloads: models.SourcePayloads{
				Weather: &models.WeatherPayload{Hourly: &models.WeatherHourly{
					Time:               []string{"2024-01-01T00:00"},
					Temperature2m:      []*float64{&temp},
					RelativeHumidity2m: []*float64{nil},
					WindSpeed10m:       []*float64{nil},
				}},
			},
		}},
	}
}

func TestStore_FullLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx, sampleExtract())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	latest, err := store.ResolveRun(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, runID, latest)

	extract, err := store.ReadExtract(ctx, runID)
	require.NoError(t, err)
	require.Len(t, extract.Cities, 1)
	assert.Equal(t, "Berlin", extract.Cities[0].City.Name)
	assert.InDelta(t, 20.0, *extract.Cities[0].Payloads.Weather.Hourly.Temperature2m[0], 1e-9)
	assert.Nil(t, extract.Cities[0].Payloads.AirQuality)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CompleteTransform(ctx, &TransformArtifact{
		RunID: runID,
		Cities: []CityRecords{{
			City:    extract.Cities[0].City,
			Records: []models.Record{{Time: "2024-01-01T00:00", Timestamp: ts}},
			Fit:     models.ModelFit{TrainingRows: 1, Skipped: true},
		}},
	}))

	transform, err := store.ReadTransform(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, transform.TotalRows())
	assert.True(t, transform.Cities[0].Records[0].Timestamp.Equal(ts))

	require.NoError(t, store.CompleteValidate(ctx, &ValidateArtifact{RunID: runID, TotalRows: 1, QualityScore: 100}))
	require.NoError(t, store.CompleteLoad(ctx, &LoadArtifact{RunID: runID}))

	manifest, err := store.Manifest(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, manifest.State)
	require.Len(t, manifest.History, 4)
	assert.Equal(t, StateExtracted, manifest.History[0].State)
	assert.Equal(t, StateValidated, manifest.History[2].State)
}

func TestStore_NoSkippingStates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx, sampleExtract())
	require.NoError(t, err)

	err = store.CompleteValidate(ctx, &ValidateArtifact{RunID: runID})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "validate", stageErr.Stage)
	assert.False(t, stageErr.IsTransient())

	err = store.CompleteLoad(ctx, &LoadArtifact{RunID: runID})
	require.ErrorAs(t, err, &stageErr)
}

func TestStore_ArtifactsAreNeverOverwritten(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx, sampleExtract())
	require.NoError(t, err)
	require.NoError(t, store.CompleteTransform(ctx, &TransformArtifact{RunID: runID}))

	err = store.CompleteTransform(ctx, &TransformArtifact{RunID: runID})
	require.Error(t, err, "a second transform of the same run is rejected")
}

func TestStore_MissingArtifact(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReadTransform(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ResolveRun(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound, "no runs yet")
}

func TestStore_MalformedArtifact(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx, sampleExtract())
	require.NoError(t, err)

	path := filepath.Join(dir, "runs", runID, "extract.json")
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err = store.ReadExtract(ctx, runID)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, err.Error(), "malformed artifact")
}

// manifestFailer fails the next manifest write once, after artifacts were stored
type manifestFailer struct {
	*LocalBackend
	failNext bool
}

func (b *manifestFailer) Put(ctx context.Context, key string, data []byte) error {
	if b.failNext && strings.HasSuffix(key, "manifest.json") {
		b.failNext = false
		return errors.New("write timeout")
	}
	return b.LocalBackend.Put(ctx, key, data)
}

func TestStore_RetryAfterInterruptedTransition(t *testing.T) {
	local, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	backend := &manifestFailer{LocalBackend: local}
	store := NewStore(backend, logging.Discard())
	ctx := context.Background()

	runID, err := store.BeginRun(ctx, sampleExtract())
	require.NoError(t, err)

	first := &TransformArtifact{RunID: runID, Cities: []CityRecords{{City: models.City{Name: "Berlin"}}}}
	backend.failNext = true
	err = store.CompleteTransform(ctx, first)
	require.Error(t, err)

	manifest, err := store.Manifest(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StateExtracted, manifest.State, "the run did not advance")

	require.NoError(t, store.CompleteTransform(ctx, &TransformArtifact{RunID: runID}))

	manifest, err = store.Manifest(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StateTransformed, manifest.State)

	stored, err := store.ReadTransform(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stored.Cities, 1, "the artifact from the first attempt is kept")
	assert.Equal(t, "Berlin", stored.Cities[0].City.Name)
}

func TestStore_ResolveExplicitRun(t *testing.T) {
	store, _ := newTestStore(t)
	id, err := store.ResolveRun(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestLocalBackend_CreateOnce(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Create(ctx, "runs/1/extract.json", []byte("first")))
	err = backend.Create(ctx, "runs/1/extract.json", []byte("second"))
	assert.True(t, errors.Is(err, ErrExists))

	data, err := backend.Get(ctx, "runs/1/extract.json")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, backend.Put(ctx, "LATEST", []byte("1")))
	require.NoError(t, backend.Put(ctx, "LATEST", []byte("2")))
	data, err = backend.Get(ctx, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	entries, err := os.ReadDir(filepath.Join(backend.baseDir, "runs", "1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestLocalBackend_RejectsEscapingKeys(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	err = backend.Put(context.Background(), "../outside.json", []byte("x"))
	assert.Error(t, err)
}

func TestGCSBackend_ObjectName(t *testing.T) {
	b := &GCSBackend{bucket: "bucket", prefix: "airquality"}
	assert.Equal(t, "airquality/runs/1/extract.json", b.objectName("runs/1/extract.json"))

	b.prefix = ""
	assert.Equal(t, "LATEST", b.objectName("LATEST"))
}
