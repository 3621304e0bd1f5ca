// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
	"github.com/edgeo-scada/bacnet-ede/internal/device"
)

var (
	servePoints   string
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a virtual BACnet device",
	Long: `Serve answers Who-Is, ReadProperty, WriteProperty and SubscribeCOV for a
virtual device described by a YAML point file. Points with a simulate
pattern (counter, random, sine) change every --interval and subscribers
receive unconfirmed COV notifications.

Point file example:

  device:
    instance: 1235
    name: test-device
  objects:
    - {type: analog-input, instance: 1, name: Temp, presentValue: 21.5, units: 62, covIncrement: 0.5, simulate: sine}
    - {type: binary-value, instance: 2, name: Pump, writable: true}
    - {type: multi-state-value, instance: 3, name: Mode, presentValue: 1, stateText: [off, auto, on]}

Examples:
  # Serve on the test port next to a scanner on 47808
  bacnet-ede serve --points points.yaml --port 1235`,

	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePoints, "points", "", "YAML point file")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", time.Second, "Simulation step interval")

	serveCmd.MarkFlagRequired("points")
}

func runServe(cmd *cobra.Command, args []string) error {
	pointCfg, err := device.LoadConfig(servePoints)
	if err != nil {
		return err
	}
	db := device.New(pointCfg, logger)

	srv, err := bacnet.NewServer(db, cfg.Options(logger)...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	db.OnChange(srv.Notify)
	if err := srv.Announce(ctx); err != nil {
		logger.Warn("announce failed", slog.String("error", err.Error()))
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Serving %s (%d objects) on %s", db.DeviceObject(), len(db.Objects())-1, srv.LocalAddr())))
	fmt.Println(dimStyle.Render("Press Ctrl+C to stop"))

	if err := db.Run(ctx, serveInterval); err != nil && ctx.Err() == nil {
		return err
	}

	m := srv.Metrics().Snapshot()
	logger.Info("served",
		slog.Int64("requests", m.RequestsServed),
		slog.Int64("cov_notifications", m.COVNotifications),
	)
	return nil
}
