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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
	"github.com/edgeo-scada/bacnet-ede/internal/config"
)

var version = "dev"

var (
	cfgFile   string
	deviceID  uint32
	host      string
	outputFmt string
	verbose   bool

	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bacnet-ede",
	Short: "BACnet/IP discovery and EDE export tool",
	Long: `bacnet-ede discovers BACnet/IP devices, reads their object databases and
exports them as Engineering Data Exchange (EDE) files. It also runs a
virtual device for testing and decodes BACnet traffic from capture files.

Settings come from flags, BACNET_* environment variables and an optional
YAML file (--config).

Examples:
  # Discover devices on the local network
  bacnet-ede discover

  # Scan every device and write EDE files to ./out
  bacnet-ede scan --filePath ./out --fileName site

  # Read a property
  bacnet-ede read -d 1234 -O ai:1 -P present-value

  # Serve a virtual device on the test port
  bacnet-ede serve --points points.yaml --port 1235`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		var err error
		if cfg, err = config.Load(v); err != nil {
			return err
		}
		if cfgFile != "" {
			logger.Debug("config loaded", slog.String("file", v.ConfigFileUsed()))
		}
		return nil
	},
}

func init() {
	v = config.New()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML configuration file")
	flags.String("filePath", ".", "Directory EDE files are written to")
	flags.String("fileName", "ede", "EDE file name prefix")
	flags.IntP("port", "p", bacnet.DefaultPort, "BACnet/IP UDP port")
	flags.Uint16("network", 0, "Local BACnet network number")
	flags.Int("timeout", 3000, "Request timeout in milliseconds")
	flags.Int("reqDelay", 20, "Base delay between requests to one device in milliseconds")
	flags.Int("reqThread", 4, "Maximum requests in flight per device")
	flags.Int("retries", 2, "Retries after a request timeout")
	flags.String("local", "", "Local address to bind to")
	flags.String("broadcast", "255.255.255.255", "Broadcast address for Who-Is")
	flags.Duration("discoveryTimeout", 30*time.Second, "Overall scan budget")
	flags.Uint32VarP(&deviceID, "device", "d", 0, "Target device instance")
	flags.StringVarP(&host, "host", "H", "", "Target device address; skips discovery when set")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	bindings := map[string]string{
		config.KeyFilePath:         "filePath",
		config.KeyFileName:         "fileName",
		config.KeyPort:             "port",
		config.KeyNetwork:          "network",
		config.KeyTimeout:          "timeout",
		config.KeyDelay:            "reqDelay",
		config.KeyThread:           "reqThread",
		config.KeyRetries:          "retries",
		config.KeyLocalAddress:     "local",
		config.KeyBroadcast:        "broadcast",
		config.KeyDiscoveryTimeout: "discoveryTimeout",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// connectClient opens a client with the current configuration. When a host
// is given the target device is registered at that address so no Who-Is is
// needed to reach it.
func connectClient(ctx context.Context) (*bacnet.Client, error) {
	client, err := bacnet.NewClient(cfg.Options(logger)...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if host != "" && deviceID != 0 {
		addr, err := client.ResolveAddress(host)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		client.AddDevice(deviceID, addr)
	}
	return client, nil
}

func requireDevice() error {
	if deviceID == 0 {
		return fmt.Errorf("device ID is required (-d or --device)")
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bacnet-ede version %s\n", version)
	},
}
