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

// Package bacnet implements the BACnet/IP wire protocol (BVLC, NPDU, APDU),
// the confirmed-request lifecycle (invoke IDs, pacing, segmentation) and a
// client and virtual-device server built on top of it.
package bacnet

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port (0xBAC0)
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// MaxInvokeIDs is the size of the invoke-ID space
const MaxInvokeIDs = 256

// BVLCType identifies the BVLL flavour. Only BACnet/IP is supported.
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLCFunction is the BACnet/IP Annex J function code
type BVLCFunction uint8

const (
	BVLCResult                            BVLCFunction = 0x00
	BVLCWriteBroadcastDistributionTable   BVLCFunction = 0x01
	BVLCReadBroadcastDistributionTable    BVLCFunction = 0x02
	BVLCReadBroadcastDistributionTableAck BVLCFunction = 0x03
	BVLCForwardedNPDU                     BVLCFunction = 0x04
	BVLCRegisterForeignDevice             BVLCFunction = 0x05
	BVLCReadForeignDeviceTable            BVLCFunction = 0x06
	BVLCReadForeignDeviceTableAck         BVLCFunction = 0x07
	BVLCDeleteForeignDeviceTableEntry     BVLCFunction = 0x08
	BVLCDistributeBroadcastToNetwork      BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU               BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU             BVLCFunction = 0x0B
)

func (f BVLCFunction) String() string {
	switch f {
	case BVLCResult:
		return "result"
	case BVLCForwardedNPDU:
		return "forwarded-npdu"
	case BVLCRegisterForeignDevice:
		return "register-foreign-device"
	case BVLCDistributeBroadcastToNetwork:
		return "distribute-broadcast-to-network"
	case BVLCOriginalUnicastNPDU:
		return "original-unicast-npdu"
	case BVLCOriginalBroadcastNPDU:
		return "original-broadcast-npdu"
	default:
		return fmt.Sprintf("bvlc-function(0x%02x)", uint8(f))
	}
}

// NetworkMessageType is carried by NPDUs that have no APDU
type NetworkMessageType uint8

const (
	NetworkMessageWhoIsRouterToNetwork   NetworkMessageType = 0x00
	NetworkMessageIAmRouterToNetwork     NetworkMessageType = 0x01
	NetworkMessageRejectMessageToNetwork NetworkMessageType = 0x03
	NetworkMessageWhatIsNetworkNumber    NetworkMessageType = 0x12
	NetworkMessageNetworkNumberIs        NetworkMessageType = 0x13
)

// PDUType is the APDU type carried in the high nibble of the first APDU byte
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0
	PDUTypeUnconfirmedRequest PDUType = 1
	PDUTypeSimpleAck          PDUType = 2
	PDUTypeComplexAck         PDUType = 3
	PDUTypeSegmentAck         PDUType = 4
	PDUTypeError              PDUType = 5
	PDUTypeReject             PDUType = 6
	PDUTypeAbort              PDUType = 7
)

func (t PDUType) String() string {
	names := [...]string{
		"confirmed-request", "unconfirmed-request", "simple-ack", "complex-ack",
		"segment-ack", "error", "reject", "abort",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("pdu-type(%d)", uint8(t))
}

// ConfirmedServiceChoice selects the service of a confirmed request
type ConfirmedServiceChoice uint8

const (
	ServiceConfirmedCOVNotification ConfirmedServiceChoice = 1
	ServiceSubscribeCOV             ConfirmedServiceChoice = 5
	ServiceReadProperty             ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple     ConfirmedServiceChoice = 14
	ServiceWriteProperty            ConfirmedServiceChoice = 15
)

func (s ConfirmedServiceChoice) String() string {
	switch s {
	case ServiceConfirmedCOVNotification:
		return "ConfirmedCOVNotification"
	case ServiceSubscribeCOV:
		return "SubscribeCOV"
	case ServiceReadProperty:
		return "ReadProperty"
	case ServiceReadPropertyMultiple:
		return "ReadPropertyMultiple"
	case ServiceWriteProperty:
		return "WriteProperty"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// UnconfirmedServiceChoice selects the service of an unconfirmed request
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                        UnconfirmedServiceChoice = 0
	ServiceIHave                      UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification UnconfirmedServiceChoice = 2
	ServiceWhoHas                     UnconfirmedServiceChoice = 7
	ServiceWhoIs                      UnconfirmedServiceChoice = 8
)

func (s UnconfirmedServiceChoice) String() string {
	switch s {
	case ServiceIAm:
		return "I-Am"
	case ServiceIHave:
		return "I-Have"
	case ServiceUnconfirmedCOVNotification:
		return "UnconfirmedCOVNotification"
	case ServiceWhoHas:
		return "Who-Has"
	case ServiceWhoIs:
		return "Who-Is"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput          ObjectType = 0
	ObjectTypeAnalogOutput         ObjectType = 1
	ObjectTypeAnalogValue          ObjectType = 2
	ObjectTypeBinaryInput          ObjectType = 3
	ObjectTypeBinaryOutput         ObjectType = 4
	ObjectTypeBinaryValue          ObjectType = 5
	ObjectTypeCalendar             ObjectType = 6
	ObjectTypeCommand              ObjectType = 7
	ObjectTypeDevice               ObjectType = 8
	ObjectTypeEventEnrollment      ObjectType = 9
	ObjectTypeFile                 ObjectType = 10
	ObjectTypeGroup                ObjectType = 11
	ObjectTypeLoop                 ObjectType = 12
	ObjectTypeMultiStateInput      ObjectType = 13
	ObjectTypeMultiStateOutput     ObjectType = 14
	ObjectTypeNotificationClass    ObjectType = 15
	ObjectTypeProgram              ObjectType = 16
	ObjectTypeSchedule             ObjectType = 17
	ObjectTypeAveraging            ObjectType = 18
	ObjectTypeMultiStateValue      ObjectType = 19
	ObjectTypeTrendLog             ObjectType = 20
	ObjectTypeAccumulator          ObjectType = 23
	ObjectTypeCharacterStringValue ObjectType = 40
	ObjectTypeIntegerValue         ObjectType = 45
	ObjectTypeNetworkPort          ObjectType = 56
)

// objectTypes holds the canonical name followed by accepted abbreviations
var objectTypes = map[ObjectType][]string{
	ObjectTypeAnalogInput:          {"analog-input", "ai"},
	ObjectTypeAnalogOutput:         {"analog-output", "ao"},
	ObjectTypeAnalogValue:          {"analog-value", "av"},
	ObjectTypeBinaryInput:          {"binary-input", "bi"},
	ObjectTypeBinaryOutput:         {"binary-output", "bo"},
	ObjectTypeBinaryValue:          {"binary-value", "bv"},
	ObjectTypeCalendar:             {"calendar", "cal"},
	ObjectTypeCommand:              {"command"},
	ObjectTypeDevice:               {"device", "dev"},
	ObjectTypeEventEnrollment:      {"event-enrollment"},
	ObjectTypeFile:                 {"file"},
	ObjectTypeGroup:                {"group"},
	ObjectTypeLoop:                 {"loop"},
	ObjectTypeMultiStateInput:      {"multi-state-input", "msi"},
	ObjectTypeMultiStateOutput:     {"multi-state-output", "mso"},
	ObjectTypeNotificationClass:    {"notification-class", "nc"},
	ObjectTypeProgram:              {"program", "prg"},
	ObjectTypeSchedule:             {"schedule", "sch"},
	ObjectTypeAveraging:            {"averaging"},
	ObjectTypeMultiStateValue:      {"multi-state-value", "msv"},
	ObjectTypeTrendLog:             {"trend-log", "tl"},
	ObjectTypeAccumulator:          {"accumulator"},
	ObjectTypeCharacterStringValue: {"characterstring-value", "csv"},
	ObjectTypeIntegerValue:         {"integer-value", "iv"},
	ObjectTypeNetworkPort:          {"network-port"},
}

func (o ObjectType) String() string {
	if names, ok := objectTypes[o]; ok {
		return names[0]
	}
	return fmt.Sprintf("vendor-specific(%d)", uint16(o))
}

// ParseObjectType parses a name or abbreviation to ObjectType
func ParseObjectType(s string) (ObjectType, bool) {
	s = strings.ToLower(s)
	for t, names := range objectTypes {
		for _, n := range names {
			if n == s {
				return t, true
			}
		}
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyAll                        PropertyIdentifier = 8
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyCOVIncrement               PropertyIdentifier = 22
	PropertyDescription                PropertyIdentifier = 28
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyHighLimit                  PropertyIdentifier = 45
	PropertyLocation                   PropertyIdentifier = 58
	PropertyLowLimit                   PropertyIdentifier = 59
	PropertyMaxPresValue               PropertyIdentifier = 65
	PropertyMinPresValue               PropertyIdentifier = 69
	PropertyModelName                  PropertyIdentifier = 70
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyProtocolVersion            PropertyIdentifier = 98
	PropertyRelinquishDefault          PropertyIdentifier = 104
	PropertySegmentationSupported      PropertyIdentifier = 107
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyProtocolRevision           PropertyIdentifier = 139
	PropertyDatabaseRevision           PropertyIdentifier = 155
	PropertyStateText                  PropertyIdentifier = 110
)

var propertyNames = map[PropertyIdentifier][]string{
	PropertyAll:                        {"all"},
	PropertyApplicationSoftwareVersion: {"application-software-version"},
	PropertyCOVIncrement:               {"cov-increment"},
	PropertyDescription:                {"description", "desc"},
	PropertyFirmwareRevision:           {"firmware-revision"},
	PropertyHighLimit:                  {"high-limit"},
	PropertyLocation:                   {"location"},
	PropertyLowLimit:                   {"low-limit"},
	PropertyMaxPresValue:               {"max-pres-value"},
	PropertyMinPresValue:               {"min-pres-value"},
	PropertyModelName:                  {"model-name"},
	PropertyObjectIdentifier:           {"object-identifier", "oid"},
	PropertyObjectList:                 {"object-list"},
	PropertyObjectName:                 {"object-name", "name"},
	PropertyObjectType:                 {"object-type", "type"},
	PropertyOutOfService:               {"out-of-service", "oos"},
	PropertyPresentValue:               {"present-value", "pv"},
	PropertyPriorityArray:              {"priority-array", "pa"},
	PropertyProtocolVersion:            {"protocol-version"},
	PropertyRelinquishDefault:          {"relinquish-default", "rd"},
	PropertySegmentationSupported:      {"segmentation-supported"},
	PropertyStatusFlags:                {"status-flags", "sf"},
	PropertySystemStatus:               {"system-status"},
	PropertyUnits:                      {"units"},
	PropertyVendorIdentifier:           {"vendor-identifier"},
	PropertyVendorName:                 {"vendor-name"},
	PropertyMaxApduLengthAccepted:      {"max-apdu-length-accepted"},
	PropertyProtocolRevision:           {"protocol-revision"},
	PropertyDatabaseRevision:           {"database-revision"},
	PropertyStateText:                  {"state-text"},
}

func (p PropertyIdentifier) String() string {
	if names, ok := propertyNames[p]; ok {
		return names[0]
	}
	return fmt.Sprintf("property(%d)", uint32(p))
}

// ParsePropertyIdentifier parses a name or abbreviation to PropertyIdentifier
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	s = strings.ToLower(s)
	for p, names := range propertyNames {
		for _, n := range names {
			if n == s {
				return p, true
			}
		}
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// MaxInstance is the largest encodable object instance
const MaxInstance = 0x3FFFFF

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode packs the identifier as (type << 22) | instance
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type)&0x3FF)<<22 | o.Instance&MaxInstance
}

// DecodeObjectIdentifier unpacks a 32-bit object identifier word
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType(value >> 22 & 0x3FF),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	switch s {
	case SegmentationBoth:
		return "segmented-both"
	case SegmentationTransmit:
		return "segmented-transmit"
	case SegmentationReceive:
		return "segmented-receive"
	case SegmentationNone:
		return "no-segmentation"
	default:
		return fmt.Sprintf("segmentation(%d)", uint8(s))
	}
}

// Address is a BACnet network address: a network number and a MAC.
// On BACnet/IP the MAC is the 4-byte IPv4 address followed by the 2-byte port.
type Address struct {
	Net uint16
	MAC []byte
}

// AddressFromUDP builds a local-network address from a UDP endpoint
func AddressFromUDP(addr *net.UDPAddr) Address {
	ip := addr.IP.To4()
	mac := make([]byte, 0, 6)
	mac = append(mac, ip...)
	mac = append(mac, byte(addr.Port>>8), byte(addr.Port))
	return Address{MAC: mac}
}

// UDPAddr converts a BACnet/IP MAC back to a UDP endpoint.
// A 4-byte MAC is assumed to listen on defaultPort.
func (a Address) UDPAddr(defaultPort int) (*net.UDPAddr, error) {
	switch len(a.MAC) {
	case 4:
		return &net.UDPAddr{IP: net.IP(a.MAC), Port: defaultPort}, nil
	case 6:
		return &net.UDPAddr{
			IP:   net.IPv4(a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3]),
			Port: int(a.MAC[4])<<8 | int(a.MAC[5]),
		}, nil
	default:
		return nil, fmt.Errorf("invalid BACnet/IP MAC length %d", len(a.MAC))
	}
}

func (a Address) String() string {
	var mac string
	switch len(a.MAC) {
	case 4:
		mac = net.IP(a.MAC).String()
	case 6:
		mac = fmt.Sprintf("%d.%d.%d.%d:%d", a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3], int(a.MAC[4])<<8|int(a.MAC[5]))
	default:
		mac = fmt.Sprintf("%x", a.MAC)
	}
	if a.Net != 0 {
		return fmt.Sprintf("%d/%s", a.Net, mac)
	}
	return mac
}

// DeviceInfo represents information about a BACnet device learned from I-Am
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       Address
	UDPAddr       *net.UDPAddr
	MaxAPDULength uint32
	Segmentation  Segmentation
	VendorID      uint32
}

// PropertyValue represents a property value with metadata
type PropertyValue struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Values     []Value
	Priority   *uint8
}

// Value returns the first value, or nil when the list is empty
func (p PropertyValue) Value() Value {
	if len(p.Values) == 0 {
		return nil
	}
	return p.Values[0]
}

// maxAPDUCodes maps the 4-bit max-APDU-length-accepted field to octets
var maxAPDUCodes = [...]uint16{50, 128, 206, 480, 1024, 1476}

// EncodeMaxAPDU returns the smallest code accepting at least n octets
func EncodeMaxAPDU(n uint16) uint8 {
	for code, size := range maxAPDUCodes {
		if n <= size {
			return uint8(code)
		}
	}
	return uint8(len(maxAPDUCodes) - 1)
}

// DecodeMaxAPDU returns the octet count for a 4-bit code
func DecodeMaxAPDU(code uint8) uint16 {
	if int(code) < len(maxAPDUCodes) {
		return maxAPDUCodes[code]
	}
	return MaxAPDULength
}

// maxSegmentsCodes maps the 3-bit max-segments-accepted field; 0 is unspecified
var maxSegmentsCodes = [...]uint16{0, 2, 4, 8, 16, 32, 64, 65}

// EncodeMaxSegments returns the 3-bit code for n accepted segments
func EncodeMaxSegments(n uint16) uint8 {
	if n == 0 {
		return 0
	}
	for code := 1; code < len(maxSegmentsCodes); code++ {
		if n <= maxSegmentsCodes[code] {
			return uint8(code)
		}
	}
	return 7
}
