package handlers

import (
	"net/http"

	"github.com/goccy/go-json"
)

type object = map[string]interface{}

func nullableNumber() object {
	return object{"type": "number", "nullable": true}
}

func jsonResponse(description string, schema object) object {
	return object{
		"description": description,
		"content": object{
			"application/json": object{"schema": schema},
		},
	}
}

func errorSchema() object {
	return object{
		"type": "object",
		"properties": object{
			"error":   object{"type": "string"},
			"message": object{"type": "string"},
			"code":    object{"type": "integer"},
		},
	}
}

func citySchema() object {
	return object{
		"type": "object",
		"properties": object{
			"city_id":      object{"type": "integer"},
			"name":         object{"type": "string"},
			"country_code": object{"type": "string"},
			"latitude":     object{"type": "number"},
			"longitude":    object{"type": "number"},
			"created_at":   object{"type": "string", "format": "date-time"},
		},
	}
}

func measurementSchema() object {
	return object{
		"type": "object",
		"properties": object{
			"city_name":      object{"type": "string"},
			"country_code":   object{"type": "string"},
			"latitude":       object{"type": "number"},
			"longitude":      object{"type": "number"},
			"timestamp":      object{"type": "string", "format": "date-time"},
			"temperature":    nullableNumber(),
			"humidity":       nullableNumber(),
			"wind_speed":     nullableNumber(),
			"pm10":           nullableNumber(),
			"pm25":           nullableNumber(),
			"predicted_pm25": nullableNumber(),
		},
	}
}

func modelFitSchema() object {
	return object{
		"type":     "object",
		"nullable": true,
		"properties": object{
			"run_at":         object{"type": "string", "format": "date-time"},
			"training_rows":  object{"type": "integer"},
			"r_squared":      nullableNumber(),
			"low_confidence": object{"type": "boolean"},
			"skipped":        object{"type": "boolean"},
		},
	}
}

// openAPIDocument describes the read API
func openAPIDocument() object {
	return object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Air Quality Platform API",
			"description": "Hourly weather, particulate readings and predicted PM2.5 per city",
			"version":     APIVersion,
		},
		"servers": []object{
			{"url": "http://localhost:8000", "description": "Local development server"},
		},
		"paths": object{
			"/api/cities": object{
				"get": object{
					"summary": "List tracked cities",
					"responses": object{
						"200": jsonResponse("Known cities ordered by name", object{
							"type": "object",
							"properties": object{
								"cities": object{"type": "array", "items": citySchema()},
							},
						}),
						"500": jsonResponse("Query failed", errorSchema()),
					},
				},
			},
			"/api/measurements": object{
				"get": object{
					"summary":     "Get measurements for a city",
					"description": "Newest 168 hourly rows (seven days), observed and predicted",
					"parameters": []object{{
						"name":        "city_name",
						"in":          "query",
						"description": "City name, for example Berlin",
						"required":    true,
						"schema":      object{"type": "string"},
					}},
					"responses": object{
						"200": jsonResponse("Rows newest first; empty data carries a message", object{
							"type": "object",
							"properties": object{
								"data":      object{"type": "array", "items": measurementSchema()},
								"model_fit": modelFitSchema(),
								"message":   object{"type": "string"},
							},
						}),
						"400": jsonResponse("city_name missing", errorSchema()),
						"500": jsonResponse("Query failed", errorSchema()),
					},
				},
			},
			"/health": object{
				"get": object{
					"summary": "Health check including database connectivity",
					"responses": object{
						"200": jsonResponse("Healthy", object{"type": "object"}),
						"503": jsonResponse("Database unreachable", object{"type": "object"}),
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary": "Prometheus metrics",
					"responses": object{
						"200": object{
							"description": "Prometheus metrics in text format",
							"content": object{
								"text/plain": object{"schema": object{"type": "string"}},
							},
						},
					},
				},
			},
		},
	}
}

// OpenAPISpec serves the OpenAPI 3.0 document
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openAPIDocument())
}
