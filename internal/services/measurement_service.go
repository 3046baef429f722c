package services

import (
	"context"
	"errors"
	"fmt"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// MeasurementService serves the read side of the API
type MeasurementService struct {
	repo    repository.AirQualityRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// Measurements is a city's newest joined rows and the latest model fit, if any
type Measurements struct {
	City     string               `json:"city"`
	Data     []models.Measurement `json:"data"`
	ModelFit *models.ModelRun     `json:"model_fit"`
	Message  string               `json:"message,omitempty"`
}

// NewMeasurementService creates a new measurement service
func NewMeasurementService(repo repository.AirQualityRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *MeasurementService {
	return &MeasurementService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ListCities returns every known city
func (s *MeasurementService) ListCities(ctx context.Context) ([]models.City, error) {
	return s.repo.ListCities(ctx)
}

// GetMeasurements returns up to one week of hourly rows for cityName, newest first.
// An unknown city is not an error: Data is empty and Message says why.
func (s *MeasurementService) GetMeasurements(ctx context.Context, cityName string) (*Measurements, error) {
	data, err := s.repo.GetMeasurements(ctx, cityName, repository.DefaultMeasurementLimit)
	if err != nil {
		return nil, err
	}

	result := &Measurements{City: cityName, Data: data}
	if len(data) == 0 {
		result.Message = fmt.Sprintf("No measurements found for city %q", cityName)
		return result, nil
	}

	run, err := s.repo.LatestModelRun(ctx, cityName)
	var notFound *repository.NotFoundError
	switch {
	case errors.As(err, &notFound):
	case err != nil:
		s.logger.Warn(ctx, "[MEASUREMENTS_MODEL_FIT] Failed to read latest model fit", logging.Fields{
			"city":  cityName,
			"error": err.Error(),
		})
	default:
		result.ModelFit = run
		if run.LowConfidence {
			result.Message = "Predicted PM2.5 comes from a low-confidence model fit"
		}
	}

	return result, nil
}

// HealthCheck checks the backing store
func (s *MeasurementService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
