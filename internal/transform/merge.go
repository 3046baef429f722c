// Package transform joins the weather and air-quality series into hourly records.
package transform

import (
	"airquality-platform/internal/models"
)

// Merge inner-joins the two hourly series on their timestamp string, in weather order.
// Hours present in only one source are dropped. A nil payload, a payload without
// an hourly object, or parallel arrays of unequal length yield an empty result.
// Negative PM10 and PM2.5 readings are treated as missing.
func Merge(weather *models.WeatherPayload, airQuality *models.AirQualityPayload) []models.Record {
	if weather == nil || weather.Hourly == nil || airQuality == nil || airQuality.Hourly == nil {
		return []models.Record{}
	}

	wh := weather.Hourly
	ah := airQuality.Hourly
	if !sameLength(len(wh.Time), len(wh.Temperature2m), len(wh.RelativeHumidity2m), len(wh.WindSpeed10m)) ||
		!sameLength(len(ah.Time), len(ah.PM10), len(ah.PM25)) {
		return []models.Record{}
	}

	// duplicate air-quality hours multiply like a relational inner join
	airIndex := make(map[string][]int, len(ah.Time))
	for i, ts := range ah.Time {
		airIndex[ts] = append(airIndex[ts], i)
	}

	records := make([]models.Record, 0, len(wh.Time))
	for i, ts := range wh.Time {
		matches, ok := airIndex[ts]
		if !ok {
			continue
		}

		parsed, err := models.ParseObservationTime(ts)
		if err != nil {
			continue
		}

		for _, j := range matches {
			records = append(records, models.Record{
				Time:        ts,
				Timestamp:   parsed,
				Temperature: copyValue(wh.Temperature2m[i]),
				Humidity:    copyValue(wh.RelativeHumidity2m[i]),
				WindSpeed:   copyValue(wh.WindSpeed10m[i]),
				PM10:        nonNegative(ah.PM10[j]),
				PM25:        nonNegative(ah.PM25[j]),
			})
		}
	}

	return records
}

// MergePayloads is Merge over a SourcePayloads pair
func MergePayloads(p models.SourcePayloads) []models.Record {
	return Merge(p.Weather, p.AirQuality)
}

func sameLength(n int, others ...int) bool {
	for _, o := range others {
		if o != n {
			return false
		}
	}
	return true
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// nonNegative maps sensor anomalies below zero to missing
func nonNegative(v *float64) *float64 {
	if v == nil || *v < 0 {
		return nil
	}
	return copyValue(v)
}
