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
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/internal/capture"
)

var (
	decodeFile   string
	decodePort   int
	decodeErrors bool
	decodeHex    bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode BACnet/IP frames from a capture file",
	Long: `Decode reads a pcap or pcapng file and prints one line per BACnet/IP
datagram: BVLC function, NPDU control flags, PDU type, service and invoke
ID. Frames that fail to decode are shown up to the failing layer.

Examples:
  # Decode a capture
  bacnet-ede decode --file capture.pcapng

  # Only show malformed frames, with their bytes
  bacnet-ede decode --file capture.pcap --errors --hex

  # Traffic of the test server
  bacnet-ede decode --file capture.pcap --udp-port 1235`,

	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "", "pcap or pcapng file")
	decodeCmd.Flags().IntVar(&decodePort, "udp-port", 0, "UDP port carrying BACnet (default: --port)")
	decodeCmd.Flags().BoolVar(&decodeErrors, "errors", false, "Only show frames that failed to decode")
	decodeCmd.Flags().BoolVar(&decodeHex, "hex", false, "Dump the datagram bytes")

	decodeCmd.MarkFlagRequired("file")
}

func runDecode(cmd *cobra.Command, args []string) error {
	port := decodePort
	if port == 0 {
		port = cfg.Port
	}
	packets, err := capture.ReadFile(decodeFile, port)
	if err != nil {
		return err
	}

	f := NewFormatter(outputFmt)
	if f.format != FormatTable {
		rows := make([][]string, 0, len(packets))
		for _, p := range packets {
			if decodeErrors && p.Err == nil {
				continue
			}
			desc, errText := "", ""
			if p.Frame != nil {
				desc = capture.Describe(p.Frame)
			}
			if p.Err != nil {
				errText = p.Err.Error()
			}
			rows = append(rows, []string{
				strconv.Itoa(p.Index),
				p.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
				fmt.Sprintf("%s:%d", p.SrcIP, p.SrcPort),
				fmt.Sprintf("%s:%d", p.DstIP, p.DstPort),
				desc,
				errText,
			})
		}
		return f.Records([]string{"index", "time", "source", "destination", "frame", "error"}, rows)
	}

	for _, p := range packets {
		if decodeErrors && p.Err == nil {
			continue
		}
		line := p.Summary()
		if p.Err != nil {
			line = errorStyle.Render(line)
		}
		fmt.Println(line)
		if decodeHex {
			fmt.Print(dimStyle.Render(hex.Dump(p.Payload)))
		}
	}

	st := capture.Tally(packets)
	fmt.Println()
	f.PrintKeyValue(decodeFile, [][2]string{
		{"Datagrams", strconv.Itoa(st.Packets)},
		{"Decoded", successStyle.Render(strconv.Itoa(st.Decoded))},
		{"Malformed", warningStyle.Render(strconv.Itoa(st.Faults))},
	})
	return nil
}
