package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"airquality-platform/internal/models"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// APIVersion is reported by the status endpoint and the OpenAPI document
const APIVersion = "1.0.0"

var validate = validator.New(validator.WithRequiredStructEnabled())

// MeasurementReader is the read side the handlers depend on
type MeasurementReader interface {
	ListCities(ctx context.Context) ([]models.City, error)
	GetMeasurements(ctx context.Context, cityName string) (*services.Measurements, error)
	HealthCheck(ctx context.Context) error
}

// AirQualityHandler handles the read-only air-quality API
type AirQualityHandler struct {
	service MeasurementReader
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAirQualityHandler creates a new air-quality handler
func NewAirQualityHandler(service MeasurementReader, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AirQualityHandler {
	return &AirQualityHandler{
		service: service,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// CityListResponse is returned by GET /api/cities
type CityListResponse struct {
	Cities []models.City `json:"cities"`
}

// MeasurementListResponse is returned by GET /api/measurements
type MeasurementListResponse struct {
	Data     []models.Measurement `json:"data"`
	ModelFit *models.ModelRun     `json:"model_fit,omitempty"`
	Message  string               `json:"message,omitempty"`
}

type measurementsQuery struct {
	CityName string `validate:"required,max=100"`
}

// Root handles GET /
func (h *AirQualityHandler) Root(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordAPIRequest("/", r.Method, "200")
	h.sendJSON(w, map[string]string{
		"status":  "Air quality API is running",
		"version": APIVersion,
	}, http.StatusOK)
}

// ListCities handles GET /api/cities
func (h *AirQualityHandler) ListCities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues("/api/cities"))
	defer timer.ObserveDuration()

	cities, err := h.service.ListCities(ctx)
	if err != nil {
		h.logger.Error(ctx, "[API_LIST_CITIES_ERROR] Failed to list cities", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/api/cities")
		h.sendError(w, r, err.Error(), http.StatusInternalServerError)
		return
	}
	if cities == nil {
		cities = []models.City{}
	}

	h.metrics.RecordAPIRequest("/api/cities", r.Method, "200")
	h.sendJSON(w, CityListResponse{Cities: cities}, http.StatusOK)
}

// GetMeasurements handles GET /api/measurements?city_name=
func (h *AirQualityHandler) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues("/api/measurements"))
	defer timer.ObserveDuration()

	q := measurementsQuery{CityName: r.URL.Query().Get("city_name")}
	if err := validate.Struct(q); err != nil {
		h.metrics.RecordAPIError("validation_error", "/api/measurements")
		h.sendError(w, r, "city_name query parameter is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.GetMeasurements(ctx, q.CityName)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_MEASUREMENTS_ERROR] Failed to get measurements", logging.Fields{
			"city_name": q.CityName,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/measurements")
		h.sendError(w, r, err.Error(), http.StatusInternalServerError)
		return
	}

	data := result.Data
	if data == nil {
		data = []models.Measurement{}
	}

	h.metrics.RecordAPIRequest("/api/measurements", r.Method, "200")
	h.sendJSON(w, MeasurementListResponse{
		Data:     data,
		ModelFit: result.ModelFit,
		Message:  result.Message,
	}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *AirQualityHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"database":  "up",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.service.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Database unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		status["database"] = "down"
		code = http.StatusServiceUnavailable
	}

	h.metrics.RecordAPIRequest("/health", r.Method, strconv.Itoa(code))
	h.sendJSON(w, status, code)
}

// sendJSON sends a JSON response
func (h *AirQualityHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error(context.Background(), "[API_ENCODE_ERROR] Failed to encode response", logging.Fields{}, err)
	}
}

// sendError sends an error response
func (h *AirQualityHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all air-quality API routes
func (h *AirQualityHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.Root).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/cities", h.ListCities).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/measurements", h.GetMeasurements).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/docs", SwaggerUI).Methods(http.MethodGet)
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods(http.MethodGet)
}
