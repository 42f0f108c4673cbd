package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"mpc-car-core/closed_loop/canbus"
	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/closed_loop/diagnostics"
	kinematic "mpc-car-core/closed_loop/kinematic_mpc"
	"mpc-car-core/utils"
)

// Runner owns every component of one controller process.
type Runner struct {
	cfg  Config
	log  *utils.Logger
	cmap *utils.CANMap

	reader  utils.CANReader
	writer  utils.CANWriter
	simPort *canbus.MemPort
	vehicle *canbus.Vehicle // nil unless simulating

	estimator *loop.Estimator
	solver    *kinematic.Solver
	decoder   *canbus.OdometryDecoder
	publisher *canbus.CommandPublisher

	history  *diagnostics.History
	recorder *diagnostics.Recorder
	plotter  *diagnostics.Plotter
	server   *diagnostics.Server
	async    *loop.AsyncSink
	sched    *loop.Scheduler
}

func NewRunner(ctx context.Context, cfg Config, log *utils.Logger) (_ *Runner, err error) {
	cmap, err := utils.LoadCANMap(cfg.CAN.MapPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}
	mode, err := cfg.SolverMode()
	if err != nil {
		return nil, err
	}
	strategy, err := loop.StrategyFor(mode)
	if err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, log: log, cmap: cmap}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if err := r.openBus(ctx); err != nil {
		return nil, err
	}

	r.solver, err = kinematic.NewSolver(cfg.MPC, log.Named("mpc"))
	if err != nil {
		return nil, fmt.Errorf("solver: %w", err)
	}

	r.estimator = loop.NewEstimator()
	r.decoder, err = canbus.NewOdometryDecoder(cmap, cfg.CAN.PoseFrame, cfg.CAN.TwistFrame, r.estimator, log.Named("odom"))
	if err != nil {
		return nil, fmt.Errorf("odometry decoder: %w", err)
	}
	r.publisher, err = canbus.NewCommandPublisher(cmap, cfg.CAN.CommandFrame, r.writer, log.Named("cmd"))
	if err != nil {
		return nil, fmt.Errorf("command publisher: %w", err)
	}

	if err := r.openDiagnostics(ctx, mode); err != nil {
		return nil, err
	}

	r.sched, err = loop.NewScheduler(cfg.SchedulerConfig(), loop.Deps{
		State:       r.estimator,
		Solver:      r.solver,
		Strategy:    strategy,
		Publisher:   r.publisher,
		Diagnostics: r.async,
		Clock:       utils.RealClock{},
		Log:         log.Named("loop"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if addr := cfg.Diagnostics.HTTPAddr; addr != "" {
		r.server = diagnostics.NewServer(addr, r.history, r.sched, pathPoints(r.solver.Path()), log.Named("http"))
	}
	return r, nil
}

// openBus attaches to SocketCAN, or to an in-process bus shared with a
// simulated vehicle.
func (r *Runner) openBus(ctx context.Context) error {
	if r.cfg.CAN.Simulate {
		bus := canbus.NewMemBus()
		port := bus.Open(256)
		r.reader, r.writer = port, port
		r.simPort = bus.Open(256)

		var err error
		r.vehicle, err = canbus.NewVehicle(canbus.VehicleConfig{
			Wheelbase: r.cfg.Sim.Wheelbase,
			Period:    seconds(r.cfg.Loop.Dt),
			Initial: loop.StateVector{
				X: r.cfg.Sim.X, Y: r.cfg.Sim.Y, Heading: r.cfg.Sim.Heading, Speed: r.cfg.Sim.Speed,
			},
			MaxSteer:     r.cfg.MPC.MaxSteer,
			PoseFrame:    r.cfg.CAN.PoseFrame,
			TwistFrame:   r.cfg.CAN.TwistFrame,
			CommandFrame: r.cfg.CAN.CommandFrame,
		}, r.cmap, r.simPort, utils.RealClock{}, r.log.Named("sim"))
		if err != nil {
			return fmt.Errorf("simulated vehicle: %w", err)
		}
		r.log.Info("using in-process CAN bus with simulated vehicle at %v", r.vehicle.State())
		return nil
	}

	writer, err := utils.NewSocketCANWriter(ctx, r.cfg.CAN.Iface)
	if err != nil {
		return err
	}
	r.writer = writer
	reader, err := utils.NewSocketCANReader(ctx, r.cfg.CAN.Iface)
	if err != nil {
		return err
	}
	r.reader = reader
	return nil
}

func (r *Runner) openDiagnostics(ctx context.Context, mode loop.SolverMode) error {
	d := r.cfg.Diagnostics
	r.history = diagnostics.NewHistory(d.History)
	sinks := []loop.DiagnosticsSink{r.history, diagnostics.NewLogSink(r.log.Named("diag"), d.LogEvery)}

	path := pathPoints(r.solver.Path())
	if d.SQLitePath != "" {
		rec, err := diagnostics.OpenRecorder(ctx, d.SQLitePath, diagnostics.RunInfo{
			Mode:    mode,
			Period:  seconds(r.cfg.Loop.Dt),
			Horizon: r.cfg.MPC.Horizon,
			Config:  r.cfg.String(),
		}, r.log.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("solve recorder: %w", err)
		}
		r.recorder = rec
		sinks = append(sinks, rec)
		r.log.Info("recording solves to %s (run %s)", d.SQLitePath, rec.RunID())
	}
	if d.PlotDir != "" {
		p, err := diagnostics.NewPlotter(d.PlotDir, d.PlotEvery, path, r.log.Named("plot"))
		if err != nil {
			return fmt.Errorf("plotter: %w", err)
		}
		r.plotter = p
		sinks = append(sinks, p)
	}
	r.async = loop.NewAsyncSink(d.QueueSize, r.log.Named("diag"), sinks...)
	return nil
}

// Run drives the loop until ctx is canceled or a component fails.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting controller: mode=%s period=%v horizon=%d simulate=%v",
		r.sched.Mode(), seconds(r.cfg.Loop.Dt), r.cfg.MPC.Horizon, r.cfg.CAN.Simulate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.decoder.Run(gctx, r.reader) })
	g.Go(func() error { return r.async.Run(gctx) })
	if r.vehicle != nil {
		g.Go(func() error { return r.vehicle.Run(gctx) })
	}
	if r.server != nil {
		g.Go(func() error { return r.server.Run(gctx) })
	}
	g.Go(func() error { return r.sched.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = ctx.Err()
	}

	if r.plotter != nil {
		if file, perr := r.plotter.Finish(); perr != nil {
			r.log.Error("run plot: %v", perr)
		} else {
			r.log.Info("run plot written to %s", file)
		}
	}
	frames, samples := r.decoder.Counts()
	d := r.solver.Diagnostics()
	r.log.Info("controller stopped: frames=%d samples=%d commands=%d solves=%d solver_failures=%d diag_dropped=%d",
		frames, samples, r.publisher.Sent(), d.Solves, d.Failures, r.async.Dropped())
	if r.vehicle != nil {
		r.log.Info("simulated vehicle final state %v", r.vehicle.State())
	}
	return err
}

// Stats exposes the scheduler counters.
func (r *Runner) Stats() loop.Stats { return r.sched.Stats() }

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	// reader and writer are the same port when simulating
	if r.writer != nil && !r.cfg.CAN.Simulate {
		_ = r.writer.Close()
	}
	if r.simPort != nil {
		_ = r.simPort.Close()
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			r.log.Error("close recorder: %v", err)
		}
	}
}

func pathPoints(wps []kinematic.Waypoint) []diagnostics.Point {
	pts := make([]diagnostics.Point, len(wps))
	for i, w := range wps {
		pts[i] = diagnostics.Point{X: w.X, Y: w.Y}
	}
	return pts
}
