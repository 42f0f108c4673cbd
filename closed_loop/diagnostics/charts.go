package diagnostics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleTrajectoryChart renders the reference path, the recent driven
// states and the latest predicted horizon as an HTML scatter plot.
func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	pathPts := make([]opts.ScatterData, 0, len(s.path))
	for _, p := range s.path {
		pathPts = append(pathPts, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}

	recent := s.hist.Recent(0)
	driven := make([]opts.ScatterData, 0, len(recent))
	for _, rec := range recent {
		if rec.State.IsFinite() {
			driven = append(driven, opts.ScatterData{Value: []interface{}{rec.State.X, rec.State.Y}})
		}
	}

	var predicted []opts.ScatterData
	subtitle := "no successful solve yet"
	if rec, ok := s.hist.LatestOK(); ok {
		for _, st := range rec.Trajectory {
			predicted = append(predicted, opts.ScatterData{Value: []interface{}{st.State.X, st.State.Y}})
		}
		subtitle = fmt.Sprintf("tick=%d mode=%s latency=%.3f ms", rec.Tick, rec.Mode.Label(), ms(rec.Latency))
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "MPC Trajectory", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("reference", pathPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("driven", driven, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("predicted", predicted, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleLatencyChart plots solve latency per tick for the retained records.
func (s *Server) handleLatencyChart(w http.ResponseWriter, r *http.Request) {
	recent := s.hist.Recent(0)
	ticks := make([]string, len(recent))
	lat := make([]opts.LineData, len(recent))
	for i, rec := range recent {
		ticks[i] = strconv.FormatUint(rec.Tick, 10)
		lat[i] = opts.LineData{Value: ms(rec.Latency)}
	}
	sum := s.hist.Summary()

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Solve Latency", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Solve latency",
			Subtitle: fmt.Sprintf("records=%d failures=%d mean=%.3f ms max=%.3f ms", sum.Records, sum.Failures, sum.MeanLatency, sum.MaxLatency),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(ticks).AddSeries("latency", lat)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
