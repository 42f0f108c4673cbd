package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"mpc-car-core/utils"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config/mpc_car.yaml", "Controller YAML configuration")
		logLevel = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		logFile  = flag.String("logfile", "closed_loop.log", "Rotated log file")
		iface    = flag.String("iface", "", "SocketCAN interface, overrides can.iface")
		simulate = flag.Bool("simulate", false, "Run against a simulated vehicle on an in-process bus")
		nmpc     = flag.Bool("nmpc", false, "Use the nonlinear MPC solve, overrides loop.mode")
	)
	flag.Parse()

	log, err := utils.NewFileLogger(*logFile, utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logFile + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg, err := LoadConfig(*cfgPath)
	if err != nil {
		log.Critical("Config %s: %v", *cfgPath, err)
		os.Exit(1)
	}
	if *iface != "" {
		cfg.CAN.Iface = *iface
	}
	if *simulate {
		cfg.CAN.Simulate = true
	}
	if *nmpc {
		cfg.Loop.Mode = ""
		cfg.Loop.NMPC = true
	}
	log.Debug("effective configuration:\n%s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}
