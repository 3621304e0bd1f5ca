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
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/internal/ede"
	"github.com/edgeo-scada/bacnet-ede/internal/scan"
)

var (
	scanLow      uint32
	scanHigh     uint32
	scanTarget   string
	scanWindow   time.Duration
	scanProject  string
	scanAuthor   string
	scanInterval time.Duration
	scanQuiet    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan devices and export EDE files",
	Long: `Scan discovers devices, reads the object list of each and collects the
properties an EDE file needs. One file per device is written to --filePath
as <fileName>_<instance>.csv.

The whole scan is bounded by discoveryTimeout; when it runs out the data
collected so far is exported and the scan is reported as partial.

Examples:
  # Scan the local network for 60 seconds
  bacnet-ede scan --discoveryTimeout 60s --filePath ./ede

  # Scan one device
  bacnet-ede scan -d 1234

  # Scan a range, gently
  bacnet-ede scan --low 1000 --high 1999 --reqThread 1 --reqDelay 100`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().Uint32Var(&scanLow, "low", 0, "Low limit for device instance range (0 = no limit)")
	scanCmd.Flags().Uint32Var(&scanHigh, "high", 0, "High limit for device instance range (0 = no limit)")
	scanCmd.Flags().StringVar(&scanTarget, "target", "", "Unicast the Who-Is to this address")
	scanCmd.Flags().DurationVar(&scanWindow, "window", 0, "How long I-Am answers are collected (default: a quarter of the budget, at most 5s)")
	scanCmd.Flags().StringVar(&scanProject, "project", "", "Project name written to the EDE header")
	scanCmd.Flags().StringVar(&scanAuthor, "author", "bacnet-ede", "Author written to the EDE header")
	scanCmd.Flags().DurationVar(&scanInterval, "progress", time.Second, "Progress refresh interval")
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Do not print progress")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := scan.Options{
		Budget:      cfg.DiscoveryTimeout,
		WhoIsWindow: scanWindow,
		Target:      scanTarget,
		Logger:      logger,
	}
	if deviceID != 0 {
		opts.Low, opts.High = &deviceID, &deviceID
	} else {
		opts.Low, opts.High = deviceRange(scanLow, scanHigh)
	}
	scanner := scan.New(client, opts)

	reportCtx, stopReport := context.WithCancel(ctx)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		if !scanQuiet {
			scanner.Progress().Report(reportCtx, os.Stderr, scanInterval)
		}
	}()

	res, err := scanner.Run(ctx)
	stopReport()
	<-reported
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	project := scanProject
	if project == "" {
		project = cfg.FileName
	}
	paths, err := scanner.Export(cfg.FilePath, cfg.FileName, ede.Header{
		ProjectName: project,
		Author:      scanAuthor,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	printScanSummary(scanner, res, paths)
	return nil
}

func printScanSummary(scanner *scan.Scanner, res *scan.Result, paths []string) {
	f := NewFormatter(outputFmt)
	if f.format == FormatJSON {
		devices := make([]map[string]any, 0)
		for _, d := range scanner.Progress().Devices() {
			entry := map[string]any{
				"device_id": d.Instance,
				"objects":   d.Objects,
				"done":      d.Done,
				"failed":    d.Failed,
			}
			if d.Err != nil {
				entry["error"] = d.Err.Error()
			}
			devices = append(devices, entry)
		}
		f.JSON(map[string]any{
			"scan_id": res.ID,
			"partial": res.Partial,
			"elapsed": res.Summary.Elapsed.String(),
			"devices": devices,
			"files":   paths,
		})
		return
	}

	rows := make([][]string, 0, len(res.Devices))
	for _, d := range scanner.Progress().Devices() {
		status := successStyle.Render("ok")
		switch {
		case d.Err != nil:
			status = errorStyle.Render(d.Err.Error())
		case d.Done < d.Objects:
			status = warningStyle.Render("incomplete")
		case d.Failed > 0:
			status = warningStyle.Render("read errors")
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(d.Instance), 10),
			strconv.Itoa(d.Objects),
			strconv.Itoa(d.Done),
			strconv.Itoa(d.Failed),
			status,
		})
	}
	if f.format == FormatCSV {
		f.Records([]string{"device_id", "objects", "done", "failed", "status"}, rows)
		return
	}
	if len(rows) > 0 {
		f.PrintTable([]string{"DEVICE", "OBJECTS", "DONE", "FAILED", "STATUS"}, rows)
		fmt.Println()
	}

	outcome := successStyle.Render("complete")
	if res.Partial {
		outcome = warningStyle.Render("partial (budget exhausted)")
	}
	f.PrintKeyValue("Scan "+res.ID, [][2]string{
		{"Result", outcome},
		{"Devices", strconv.Itoa(res.Summary.Devices)},
		{"Objects", fmt.Sprintf("%d/%d", res.Summary.Done, res.Summary.Objects)},
		{"Failed", strconv.Itoa(res.Summary.Failed)},
		{"Elapsed", scan.FormatDuration(res.Summary.Elapsed)},
		{"Files", strconv.Itoa(len(paths))},
	})
	for _, p := range paths {
		fmt.Println(dimStyle.Render(p))
	}
}
