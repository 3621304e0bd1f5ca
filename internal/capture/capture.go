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

// Package capture decodes BACnet/IP traffic from pcap and pcapng files.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// pcapng section header block type, identical in both byte orders
const ngMagic = 0x0A0D0D0A

// Packet is one UDP datagram on the BACnet port
type Packet struct {
	// Index is the 1-based position in the capture file
	Index     int
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
	// Frame is populated up to the failing layer when Err is set
	Frame *bacnet.Frame
	Err   error
}

// Stats counts what a capture held
type Stats struct {
	Packets int
	Decoded int
	Faults  int
}

// Tally counts decoded and faulty frames
func Tally(packets []Packet) Stats {
	s := Stats{Packets: len(packets)}
	for _, p := range packets {
		if p.Err != nil {
			s.Faults++
		} else {
			s.Decoded++
		}
	}
	return s
}

// ReadFile reads a capture file. port selects the UDP port on either side
// of the datagram; zero means 47808.
func ReadFile(path string, port int) ([]Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()
	return Read(f, port)
}

// Read decodes a pcap or pcapng stream, telling them apart by magic number
func Read(r io.Reader, port int) ([]Packet, error) {
	if port == 0 {
		port = bacnet.DefaultPort
	}

	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var source gopacket.PacketDataSource
	var link layers.LinkType
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		source, link = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open pcap: %w", err)
		}
		source, link = pr, pr.LinkType()
	}

	var packets []Packet
	index := 0
	for packet := range gopacket.NewPacketSource(source, link).Packets() {
		index++
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		if int(udp.SrcPort) != port && int(udp.DstPort) != port {
			continue
		}

		p := Packet{
			Index:     index,
			Timestamp: packet.Metadata().Timestamp,
			SrcPort:   uint16(udp.SrcPort),
			DstPort:   uint16(udp.DstPort),
			Payload:   udp.Payload,
		}
		if nl := packet.NetworkLayer(); nl != nil {
			src, dst := nl.NetworkFlow().Endpoints()
			p.SrcIP = net.IP(src.Raw())
			p.DstIP = net.IP(dst.Raw())
		}
		p.Frame, p.Err = bacnet.DecodeFrame(udp.Payload)
		packets = append(packets, p)
	}
	return packets, nil
}

// Summary renders the packet on one line: addressing, BVLC function, NPDU
// control flags, PDU type, service and invoke ID
func (p *Packet) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s > %s",
		p.Index,
		p.Timestamp.UTC().Format("15:04:05.000"),
		net.JoinHostPort(p.SrcIP.String(), fmt.Sprint(p.SrcPort)),
		net.JoinHostPort(p.DstIP.String(), fmt.Sprint(p.DstPort)),
	)
	if p.Frame != nil {
		b.WriteString(" ")
		b.WriteString(Describe(p.Frame))
	}
	if p.Err != nil {
		fmt.Fprintf(&b, " !%v", p.Err)
	}
	return b.String()
}

// Describe renders the decoded layers of a frame
func Describe(f *bacnet.Frame) string {
	parts := []string{f.BVLC.Function.String()}
	if f.NPDU != nil {
		ctrl := fmt.Sprintf("npdu=0x%02x", f.NPDU.Control.Byte())
		if f.NPDU.Control.ExpectingReply {
			ctrl += ",expecting-reply"
		}
		if f.NPDU.Dest != nil {
			ctrl += ",dnet=" + fmt.Sprint(f.NPDU.Dest.Net)
		}
		if f.NPDU.Src != nil {
			ctrl += ",snet=" + fmt.Sprint(f.NPDU.Src.Net)
		}
		parts = append(parts, ctrl)
		if f.NPDU.Control.NoAPDUMessageType {
			parts = append(parts, fmt.Sprintf("network-message=0x%02x", uint8(f.NPDU.MessageType)))
		}
	}
	if f.APDU != nil {
		parts = append(parts, f.APDU.Type().String())
		if svc := service(f.APDU); svc != "" {
			parts = append(parts, svc)
		}
		if id, ok := bacnet.InvokeIDOf(f.APDU); ok {
			parts = append(parts, fmt.Sprintf("invoke=%d", id))
		}
	}
	return strings.Join(parts, " ")
}

func service(p bacnet.APDU) string {
	switch p := p.(type) {
	case *bacnet.ConfirmedRequest:
		out := p.ServiceChoice.String()
		if p.Segmented {
			out += fmt.Sprintf(" seq=%d", p.SequenceNumber)
		}
		return out + target(p.Service)
	case *bacnet.UnconfirmedRequest:
		out := p.ServiceChoice.String()
		switch s := p.Service.(type) {
		case *bacnet.IAm:
			out += fmt.Sprintf(" %s vendor=%d", s.ObjectID, s.VendorID)
		case *bacnet.WhoIs:
			if s.Low != nil && s.High != nil {
				out += fmt.Sprintf(" %d-%d", *s.Low, *s.High)
			}
		case *bacnet.COVNotification:
			out += " " + s.MonitoredObject.String()
		}
		return out
	case *bacnet.SimpleACK:
		return p.ServiceChoice.String()
	case *bacnet.ComplexACK:
		out := p.ServiceChoice.String()
		if p.Segmented {
			out += fmt.Sprintf(" seq=%d", p.SequenceNumber)
			if p.MoreFollows {
				out += " more"
			}
		}
		return out + target(p.Service)
	case *bacnet.SegmentACK:
		out := fmt.Sprintf("seq=%d window=%d", p.SequenceNumber, p.ActualWindowSize)
		if p.Negative {
			out += " nak"
		}
		return out
	case *bacnet.ErrorPDU:
		return fmt.Sprintf("%s %s/%s", p.ServiceChoice, p.Class, p.Code)
	case *bacnet.RejectPDU:
		return p.Reason.String()
	case *bacnet.AbortPDU:
		return p.Reason.String()
	}
	return ""
}

func target(s bacnet.ConfirmedService) string {
	switch s := s.(type) {
	case *bacnet.ReadPropertyRequest:
		return " " + s.ObjectID.String() + " " + s.PropertyID.String()
	case *bacnet.ReadPropertyACK:
		return " " + s.ObjectID.String() + " " + s.PropertyID.String()
	case *bacnet.WritePropertyRequest:
		return " " + s.ObjectID.String() + " " + s.PropertyID.String()
	case *bacnet.SubscribeCOVRequest:
		return " " + s.MonitoredObject.String()
	}
	return ""
}
