// dcs-spi connects a Linux host to the motion-control firmware over SPI.
// It multiplexes codes from the console, the print job and network clients
// onto the link, serves the firmware's macro and file requests, and keeps
// a copy of the firmware's object model for clients.
//
// Usage:
//
//	dcs-spi [-config dcs.cfg] [options]
//
// Options:
//
//	-config string     Daemon configuration file (default: built-in defaults)
//	-simulate          Use the in-process firmware simulator instead of SPI
//	-log-level string  Override [logging] level (debug, info, warn, error)
//
// Examples:
//
//	# Run against the board wired to spidev0.0
//	dcs-spi -config /etc/dcs/dcs.cfg
//
//	# Bench test without hardware
//	dcs-spi -simulate -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcs-spi-go/pkg/api"
	"dcs-spi-go/pkg/config"
	"dcs-spi-go/pkg/console"
	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/link"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/metrics"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/scheduler"
	"dcs-spi-go/pkg/simulator"
	"dcs-spi-go/pkg/spi"
)

func main() {
	configFile := flag.String("config", "", "Daemon configuration file")
	simulate := flag.Bool("simulate", false, "Use the in-process firmware simulator instead of SPI")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if err := run(*configFile, *simulate, *logLevel); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(configFile string, simulate bool, logLevel string) error {
	cfg := config.DefaultDaemonConfig()
	if configFile != "" {
		var unused []string
		var err error
		cfg, unused, err = config.LoadDaemon(configFile)
		if err != nil {
			return err
		}
		for _, u := range unused {
			log.Warn("Unknown configuration entry %s in %s", u, configFile)
		}
	}

	logger := log.Default()
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	log.ConfigureFromEnv(logger)
	if logLevel != "" {
		logger.SetLevel(log.ParseLevel(logLevel))
	}
	if cfg.Logging.File != "" {
		fw, err := log.AttachFile(logger, log.RotationConfig{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrConfig, "cannot open log file")
		}
		defer fw.Close()
	}

	logger.Info("Starting: %s", cfg)

	var dev link.Device
	var ready link.ReadySignal
	if simulate {
		fw := simulator.New()
		dev, ready = fw, fw
		logger.Warn("Using the firmware simulator")
	} else {
		d, err := spi.OpenDevice(cfg.SPI)
		if err != nil {
			return errors.Wrap(err, errors.ErrTransportFatal, "cannot open "+cfg.SPI.Device)
		}
		defer d.Close()
		pin, err := spi.OpenReadyPin(cfg.SPI)
		if err != nil {
			return errors.Wrap(err, errors.ErrTransportFatal, fmt.Sprintf("cannot open ready pin %s:%d", cfg.SPI.GPIOChip, cfg.SPI.ReadyPin))
		}
		defer pin.Close()
		dev, ready = d, pin
	}

	cm := metrics.NewConnectorMetrics()
	l := link.New(dev, ready, link.Config{ReadyTimeout: cfg.ReadyTimeout, Metrics: cm})

	resolver := cfg.Macros
	schedCfg := cfg.Scheduler
	schedCfg.Metrics = cm
	sched := scheduler.New(l, model.New(), &resolver, schedCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.New(api.Config{
		Addr:      cfg.API.Listen,
		Machine:   sched,
		WebSocket: cfg.API.WebSocket,
		GCodes:    resolver.Job(""),
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server failed")
			stop()
		}
	}()

	var metricsServer *metrics.Server
	if cfg.MetricsListen != "" {
		metricsServer = metrics.NewServer(cm, cfg.MetricsListen)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	con, err := console.Open(sched, cfg.Console)
	if err != nil {
		logger.WithError(err).Warn("Console disabled")
	} else {
		defer con.Close()
		go func() {
			if err := con.Run(ctx); err != nil {
				logger.WithError(err).Warn("Console stopped")
			}
		}()
	}

	runErr := sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown")
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Stopped")
	return nil
}
