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
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

var (
	discoverWindow time.Duration
	discoverLow    uint32
	discoverHigh   uint32
	discoverTarget string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover BACnet devices on the network",
	Long: `Discover sends a Who-Is and lists every device that answers with I-Am
within the discovery window.

Examples:
  # Discover all devices
  bacnet-ede discover

  # Discover devices with instance IDs 1-100
  bacnet-ede discover --low 1 --high 100

  # Ask a single host instead of broadcasting
  bacnet-ede discover --target 192.168.1.20:47808`,

	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverWindow, "window", 5*time.Second, "How long I-Am answers are collected")
	discoverCmd.Flags().Uint32Var(&discoverLow, "low", 0, "Low limit for device instance range (0 = no limit)")
	discoverCmd.Flags().Uint32Var(&discoverHigh, "high", 0, "High limit for device instance range (0 = no limit)")
	discoverCmd.Flags().StringVar(&discoverTarget, "target", "", "Unicast the Who-Is to this address")
}

// deviceRange returns the Who-Is limits, or nils for an unrestricted query
func deviceRange(low, high uint32) (*uint32, *uint32) {
	if low == 0 && high == 0 {
		return nil, nil
	}
	if high == 0 {
		high = bacnet.MaxInstance
	}
	return &low, &high
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := []bacnet.DiscoverOption{
		bacnet.WithDiscoveryTimeout(discoverWindow),
		bacnet.WithDeviceCallback(func(dev bacnet.DeviceInfo) {
			logger.Debug("device answered",
				slog.Uint64("device_id", uint64(dev.ObjectID.Instance)),
				slog.String("address", dev.Address.String()),
			)
		}),
	}
	if low, high := deviceRange(discoverLow, discoverHigh); low != nil {
		opts = append(opts, bacnet.WithDeviceRange(*low, *high))
	}
	if discoverTarget != "" {
		opts = append(opts, bacnet.WithDiscoveryTarget(discoverTarget))
	}

	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("Discovering BACnet devices for %s...", discoverWindow)))

	devices, err := client.WhoIs(ctx, opts...)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, warningStyle.Render("No devices found"))
		return nil
	}

	if err := NewFormatter(outputFmt).Records(deviceHeaders, deviceRows(devices)); err != nil {
		return err
	}
	if OutputFormat(outputFmt) == FormatTable {
		fmt.Println(successStyle.Render(fmt.Sprintf("\nFound %d device(s)", len(devices))))
	}
	return nil
}

var deviceHeaders = []string{"device_id", "address", "network", "vendor_id", "segmentation", "max_apdu"}

func deviceRows(devices []*bacnet.DeviceInfo) [][]string {
	rows := make([][]string, 0, len(devices))
	for _, dev := range devices {
		addr := dev.Address.String()
		if dev.UDPAddr != nil {
			addr = dev.UDPAddr.String()
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(dev.ObjectID.Instance), 10),
			addr,
			strconv.Itoa(int(dev.Address.Net)),
			strconv.Itoa(int(dev.VendorID)),
			dev.Segmentation.String(),
			strconv.Itoa(int(dev.MaxAPDULength)),
		})
	}
	return rows
}
