// Package app assembles the hosted tachometer daemon: the simulated
// hardware, the device control loop and the configuration portal.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codeforberlin/mycyclingcity-sub001/cmd/mcc-tachod/app/options"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/config"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/device/hal"
	"github.com/codeforberlin/mycyclingcity-sub001/internal/portal"
	"github.com/codeforberlin/mycyclingcity-sub001/pkg/log"
)

const commandDesc = `The MyCyclingCity tachometer daemon runs the on-device control logic
hosted: it counts wheel pulses, posts distance telemetry to the backend,
keeps its configuration reconciled with the server and serves the local
configuration portal.`

func NewTachometerCommand() *cobra.Command {
	opts := options.NewOptions()
	cmd := &cobra.Command{
		Use:          "mcc-tachod",
		Short:        "Run the MyCyclingCity tachometer",
		Long:         commandDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			log.Init(opts.Log)
			return run(opts)
		},
	}
	opts.AddFlags(cmd.PersistentFlags())
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// run boots the device and keeps re-booting it whenever the control
// loop requests a restart, the hosted equivalent of a hardware reset or
// a deep-sleep wake.
func run(opts *options.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.Open(opts.StorePath())
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	sim := hal.NewSim()

	for {
		if err := runOnce(ctx, opts, store, sim); err != nil {
			if errors.Is(err, device.ErrRestartRequested) && ctx.Err() == nil {
				log.Info("Restarting device")
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	}
}

func runOnce(ctx context.Context, opts *options.Options, store *config.Store, sim *hal.Sim) error {
	dev, err := device.NewDevice(&device.Config{
		HAL:          sim,
		Store:        store,
		Sink:         hal.NewFileSink(opts.FirmwareDir()),
		LoopInterval: opts.LoopInterval,
		Logger:       log.Std(),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	srv := portal.NewServer(opts.PortalAddr, dev, log.Std())
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if opts.PulseFeed > 0 {
		g.Go(func() error {
			feedPulses(gctx, sim, opts.PulseFeed)
			return nil
		})
	}

	runErr := dev.Run(gctx)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "Portal server stopped")
	}
	return runErr
}

// feedPulses drives the simulated wheel at a steady cadence.
func feedPulses(ctx context.Context, sim *hal.Sim, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sim.PulseLine.Pulse()
		}
	}
}
