// Package predict fits a per-city linear model estimating PM2.5 from weather.
package predict

import (
	"math"

	"airquality-platform/internal/models"
)

// predictors, in coefficient order
const (
	colTemperature = iota
	colWindSpeed
	colHumidity
	numPredictors
)

// Config gates the fit
type Config struct {
	// below this many complete rows no model is fitted
	MinTrainingRows int
	// fits with in-sample R squared under this are flagged low-confidence
	LowConfidenceR2 float64
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{MinTrainingRows: 10, LowConfidenceR2: 0.30}
}

// FitAndPredict fits ordinary least squares with intercept on the rows where
// temperature, wind speed, humidity and PM2.5 are all present, then predicts
// PM2.5 for every row. Missing predictors are imputed with the training mean.
// The input slice is not modified; a copy carrying PredictedPM25 is returned.
func FitAndPredict(records []models.Record, cfg Config) ([]models.Record, models.ModelFit) {
	out := make([]models.Record, len(records))
	copy(out, records)
	for i := range out {
		out[i].PredictedPM25 = nil
	}

	var xs [][numPredictors]float64
	var ys []float64
	for _, r := range records {
		x, ok := predictorsOf(r)
		if !ok || r.PM25 == nil || !finite(*r.PM25) {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, *r.PM25)
	}

	fit := models.ModelFit{TrainingRows: len(ys)}
	if len(ys) < cfg.MinTrainingRows || len(ys) == 0 {
		fit.Skipped = true
		return out, fit
	}

	means, yMean := columnMeans(xs, ys)
	coef := solveNormalEquations(xs, ys, means, yMean)

	intercept := yMean
	for j := 0; j < numPredictors; j++ {
		intercept -= coef[j] * means[j]
	}

	r2 := rSquared(xs, ys, yMean, intercept, coef)
	fit.Intercept = intercept
	fit.Coefficients = coef
	fit.RSquared = &r2
	fit.LowConfidence = r2 < cfg.LowConfidenceR2

	for i, r := range records {
		x := imputed(r, means)
		v := intercept
		for j := 0; j < numPredictors; j++ {
			v += coef[j] * x[j]
		}
		if !finite(v) {
			continue
		}
		rounded := math.Round(v*100) / 100
		out[i].PredictedPM25 = &rounded
	}

	return out, fit
}

func predictorsOf(r models.Record) ([numPredictors]float64, bool) {
	var x [numPredictors]float64
	for j, p := range [numPredictors]*float64{r.Temperature, r.WindSpeed, r.Humidity} {
		if p == nil || !finite(*p) {
			return x, false
		}
		x[j] = *p
	}
	return x, true
}

func imputed(r models.Record, means [numPredictors]float64) [numPredictors]float64 {
	x := means
	for j, p := range [numPredictors]*float64{r.Temperature, r.WindSpeed, r.Humidity} {
		if p != nil && finite(*p) {
			x[j] = *p
		}
	}
	return x
}

func columnMeans(xs [][numPredictors]float64, ys []float64) ([numPredictors]float64, float64) {
	var means [numPredictors]float64
	var yMean float64
	n := float64(len(ys))
	for i := range ys {
		for j := 0; j < numPredictors; j++ {
			means[j] += xs[i][j]
		}
		yMean += ys[i]
	}
	for j := range means {
		means[j] /= n
	}
	return means, yMean / n
}

// solveNormalEquations solves the centered system (X'X) b = X'y by Gaussian
// elimination with partial pivoting. A column whose pivot vanishes is collinear
// with earlier ones (or constant) and gets coefficient 0.
func solveNormalEquations(xs [][numPredictors]float64, ys []float64, means [numPredictors]float64, yMean float64) [numPredictors]float64 {
	var a [numPredictors][numPredictors + 1]float64
	for i := range ys {
		var d [numPredictors]float64
		for j := 0; j < numPredictors; j++ {
			d[j] = xs[i][j] - means[j]
		}
		dy := ys[i] - yMean
		for r := 0; r < numPredictors; r++ {
			for c := 0; c < numPredictors; c++ {
				a[r][c] += d[r] * d[c]
			}
			a[r][numPredictors] += d[r] * dy
		}
	}

	scale := 1.0
	for j := 0; j < numPredictors; j++ {
		scale = math.Max(scale, a[j][j])
	}
	tol := 1e-10 * scale

	pivotCol := [numPredictors]int{-1, -1, -1}
	row := 0
	for col := 0; col < numPredictors && row < numPredictors; col++ {
		best := row
		for r := row + 1; r < numPredictors; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[best][col]) {
				best = r
			}
		}
		if math.Abs(a[best][col]) <= tol {
			continue
		}
		a[row], a[best] = a[best], a[row]

		for r := 0; r < numPredictors; r++ {
			if r == row || a[r][col] == 0 {
				continue
			}
			factor := a[r][col] / a[row][col]
			for c := col; c <= numPredictors; c++ {
				a[r][c] -= factor * a[row][c]
			}
		}
		pivotCol[row] = col
		row++
	}

	var coef [numPredictors]float64
	for r := 0; r < row; r++ {
		col := pivotCol[r]
		coef[col] = a[r][numPredictors] / a[r][col]
	}
	return coef
}

func rSquared(xs [][numPredictors]float64, ys []float64, yMean, intercept float64, coef [numPredictors]float64) float64 {
	var ssRes, ssTot float64
	for i, y := range ys {
		pred := intercept
		for j := 0; j < numPredictors; j++ {
			pred += coef[j] * xs[i][j]
		}
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - yMean) * (y - yMean)
	}

	if ssTot == 0 {
		// constant target: a perfect fit explains everything there is
		if ssRes <= 1e-12 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
