package diagnostics

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

const maxTracePoints = 20000

var (
	pathColor      = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	traceColor     = color.RGBA{B: 200, A: 255}
	predictedColor = color.RGBA{R: 220, G: 50, B: 50, A: 255}
)

// Plotter renders the reference path, the driven trace and a predicted
// horizon to PNG. A snapshot is written every Every successful solves and a
// whole-run plot on Finish.
type Plotter struct {
	mu     sync.Mutex
	dir    string
	every  int
	path   plotter.XYs
	trace  plotter.XYs
	solves int
	last   loop.SolveRecord
	haveOK bool
	log    *utils.Logger
}

func NewPlotter(dir string, every int, path []Point, log *utils.Logger) (*Plotter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	xys := make(plotter.XYs, len(path))
	for i, p := range path {
		xys[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return &Plotter{dir: dir, every: every, path: xys, log: log}, nil
}

func (p *Plotter) Record(rec loop.SolveRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.State.IsFinite() && len(p.trace) < maxTracePoints {
		p.trace = append(p.trace, plotter.XY{X: rec.State.X, Y: rec.State.Y})
	}
	if !rec.OK() || len(rec.Trajectory) == 0 {
		return
	}
	p.solves++
	p.last, p.haveOK = rec, true
	if p.every <= 0 || p.solves%p.every != 0 {
		return
	}
	file := filepath.Join(p.dir, fmt.Sprintf("solve_%06d.png", rec.Tick))
	if err := p.render(file, fmt.Sprintf("tick %d (%s)", rec.Tick, rec.Mode.Label()), &rec); err != nil {
		p.log.Warn("plot %s: %v", file, err)
	}
}

// Finish writes run.png with the full trace and the last predicted horizon.
func (p *Plotter) Finish() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	file := filepath.Join(p.dir, "run.png")
	var last *loop.SolveRecord
	if p.haveOK {
		last = &p.last
	}
	return file, p.render(file, fmt.Sprintf("run (%d solves)", p.solves), last)
}

func (p *Plotter) render(file, title string, rec *loop.SolveRecord) error {
	pl := plot.New()
	pl.Title.Text = title
	pl.X.Label.Text = "X (m)"
	pl.Y.Label.Text = "Y (m)"
	pl.Add(plotter.NewGrid())

	if len(p.path) > 0 {
		ref, err := plotter.NewLine(p.path)
		if err != nil {
			return fmt.Errorf("path line: %w", err)
		}
		ref.Color = pathColor
		ref.Width = vg.Points(1)
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		pl.Add(ref)
		pl.Legend.Add("reference", ref)
	}
	if len(p.trace) > 0 {
		tr, err := plotter.NewLine(p.trace)
		if err != nil {
			return fmt.Errorf("trace line: %w", err)
		}
		tr.Color = traceColor
		tr.Width = vg.Points(1.5)
		pl.Add(tr)
		pl.Legend.Add("driven", tr)
	}
	if rec != nil && len(rec.Trajectory) > 0 {
		pts := make(plotter.XYs, len(rec.Trajectory))
		for i, s := range rec.Trajectory {
			pts[i] = plotter.XY{X: s.State.X, Y: s.State.Y}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("prediction scatter: %w", err)
		}
		sc.Color = predictedColor
		sc.Radius = vg.Points(2)
		pl.Add(sc)
		pl.Legend.Add("predicted", sc)
	}

	pl.Legend.Top = true
	pl.Legend.Left = false
	pl.Legend.XOffs = -10
	pl.Legend.YOffs = -10
	return pl.Save(8*vg.Inch, 8*vg.Inch, file)
}
