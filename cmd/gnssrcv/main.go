// gnssrcv runs acquisition and tracking channels over an I/Q capture
// file and logs the resulting observables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/wkazubski/gnss-sdr/pkg/channel"
	"github.com/wkazubski/gnss-sdr/pkg/config"
	"github.com/wkazubski/gnss-sdr/pkg/dump"
	"github.com/wkazubski/gnss-sdr/pkg/frontend"
)

func main() {
	cfgPath := flag.String("config", "", "TOML configuration file")
	inPath := flag.String("in", "", "int8 interleaved I/Q capture (overrides config)")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if err := run(*cfgPath, *inPath, logger); err != nil {
		logger.Fatal("receiver failed", "err", err)
	}
}

func run(cfgPath, inPath string, logger *log.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if lvl, err := log.ParseLevel(cfg.Receiver.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if inPath != "" {
		cfg.Frontend.File = inPath
	}
	if cfg.Frontend.File == "" {
		return fmt.Errorf("no input file: set -in or frontend.file")
	}
	if len(cfg.Receiver.PRNs) == 0 {
		return fmt.Errorf("no PRNs assigned: set receiver.prns")
	}
	sig, err := cfg.SignalConfig()
	if err != nil {
		return err
	}
	src, err := frontend.OpenFile(cfg.Frontend.File, cfg.Frontend.SampleRate, cfg.Frontend.IntermediateFreq)
	if err != nil {
		return err
	}
	logger.Info("capture loaded",
		"file", cfg.Frontend.File,
		"samples", src.Len(),
		"rate_hz", src.SampleRate(),
		"signal", sig.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := channel.NewReplicaCache()
	events := make(chan channel.Event, 64)

	var dumps []*dump.Writer
	defer func() {
		for _, d := range dumps {
			d.Close()
		}
	}()

	var wg sync.WaitGroup
	for i, prn := range cfg.Receiver.PRNs {
		trkCfg := cfg.TrackingConfig()
		if cfg.Receiver.Dump {
			path := filepath.Join(cfg.Receiver.DumpDir, fmt.Sprintf("trk_ch%d_prn%d.dat", i, prn))
			w, err := dump.NewWriter(path)
			if err != nil {
				return err
			}
			dumps = append(dumps, w)
			trkCfg.Recorder = w
		}
		ch, err := channel.New(i, sig, prn, src, cfg.AcquisitionConfig(), trkCfg, cache, events, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Run(ctx); err != nil {
				logger.Error("channel stopped", "err", err)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	var obsCount int
	for ev := range events {
		switch ev.Kind {
		case channel.EventAcquired:
			logger.Info("acquired",
				"ch", ev.Channel, "prn", ev.PRN,
				"doppler_hz", ev.Acq.DopplerHz,
				"code_phase", ev.Acq.CodePhaseSamples,
				"statistic", ev.Acq.TestStatistic)
		case channel.EventAcqFailed:
			logger.Debug("acquisition negative", "ch", ev.Channel, "prn", ev.PRN,
				"statistic", ev.Acq.TestStatistic)
		case channel.EventLockLost:
			logger.Warn("lock lost", "ch", ev.Channel, "prn", ev.PRN)
		case channel.EventObservable:
			obsCount++
			if obsCount%1000 == 0 {
				logger.Info("tracking",
					"ch", ev.Channel, "prn", ev.PRN,
					"cn0_dbhz", fmt.Sprintf("%.1f", ev.Obs.CN0DbHz),
					"doppler_hz", fmt.Sprintf("%.1f", ev.Obs.CarrierDopplerHz))
			}
		}
	}
	logger.Info("all channels finished", "observables", obsCount)
	return nil
}
