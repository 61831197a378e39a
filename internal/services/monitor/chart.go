package monitor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/casekit/docket/internal/models"
)

// History returns recent health trend samples, oldest first. A non-positive
// limit returns the whole ring.
func (s *Service) History(limit int) []models.HealthSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.HealthSample, limit)
	copy(out, s.history[n-limit:])
	return out
}

// TrendChart renders the health history as a PNG line chart: the overall
// score as the strong line, the three subscores dashed behind it.
func (s *Service) TrendChart(ctx context.Context) ([]byte, error) {
	samples := s.History(0)
	if len(samples) < 2 {
		// Ensure at least the current assessment is on the chart.
		if _, err := s.refresh(ctx); err != nil {
			return nil, err
		}
		samples = s.History(0)
	}
	if len(samples) < 2 {
		return nil, models.NewJobError(models.ErrKindPrecondition, "not enough health samples for a trend chart")
	}

	xValues := make([]time.Time, len(samples))
	overallY := make([]float64, len(samples))
	workersY := make([]float64, len(samples))
	queueY := make([]float64, len(samples))
	processingY := make([]float64, len(samples))
	for i, sample := range samples {
		xValues[i] = sample.At
		overallY[i] = float64(sample.Overall)
		workersY[i] = float64(sample.Workers)
		queueY[i] = float64(sample.Queue)
		processingY[i] = float64(sample.Processing)
	}

	subStyle := func(hex string) chart.Style {
		return chart.Style{
			StrokeColor:     drawing.ColorFromHex(hex),
			StrokeWidth:     1.5,
			StrokeDashArray: []float64{5.0, 3.0},
		}
	}

	graph := chart.Chart{
		Title:  "System Health",
		Width:  900,
		Height: 300,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{
			TickPosition: chart.TickPositionBetweenTicks,
			ValueFormatter: func(v interface{}) string {
				if t, ok := v.(float64); ok {
					return chart.TimeFromFloat64(t).Format("15:04")
				}
				return ""
			},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 100},
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f", f)
				}
				return ""
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "overall",
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("2563eb"),
					StrokeWidth: 2.5,
				},
				XValues: xValues,
				YValues: overallY,
			},
			chart.TimeSeries{
				Name:    "workers",
				Style:   subStyle("16a34a"),
				XValues: xValues,
				YValues: workersY,
			},
			chart.TimeSeries{
				Name:    "queue",
				Style:   subStyle("d97706"),
				XValues: xValues,
				YValues: queueY,
			},
			chart.TimeSeries{
				Name:    "processing",
				Style:   subStyle("9ca3af"),
				XValues: xValues,
				YValues: processingY,
			},
		},
	}
	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}
