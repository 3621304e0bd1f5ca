package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display device information",
	Long: `Info reads the identity properties of a device object.

Examples:
  # Get device info
  bacnet-ede info -d 1234

  # Get info in JSON format
  bacnet-ede info -d 1234 -o json`,

	RunE: runInfo,
}

var infoProperties = []struct {
	name string
	prop bacnet.PropertyIdentifier
}{
	{"Object Name", bacnet.PropertyObjectName},
	{"Description", bacnet.PropertyDescription},
	{"Location", bacnet.PropertyLocation},
	{"Vendor Name", bacnet.PropertyVendorName},
	{"Vendor ID", bacnet.PropertyVendorIdentifier},
	{"Model Name", bacnet.PropertyModelName},
	{"Firmware Revision", bacnet.PropertyFirmwareRevision},
	{"Application Software", bacnet.PropertyApplicationSoftwareVersion},
	{"Protocol Version", bacnet.PropertyProtocolVersion},
	{"Protocol Revision", bacnet.PropertyProtocolRevision},
	{"System Status", bacnet.PropertySystemStatus},
	{"Max APDU Length", bacnet.PropertyMaxApduLengthAccepted},
	{"Segmentation", bacnet.PropertySegmentationSupported},
	{"Database Revision", bacnet.PropertyDatabaseRevision},
}

func runInfo(cmd *cobra.Command, args []string) error {
	if err := requireDevice(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	deviceOID := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, deviceID)
	props := make([]bacnet.PropertyIdentifier, len(infoProperties))
	for i, p := range infoProperties {
		props[i] = p.prop
	}
	results := client.ReadObject(ctx, deviceID, deviceOID, props...)

	pairs := make([][2]string, 0, len(results)+1)
	fields := make(map[string]any, len(results)+3)
	for i, r := range results {
		if r.Err != nil {
			if !bacnet.IsPropertyNotFound(r.Err) {
				logger.Debug("device property unreadable",
					slog.String("property", r.PropertyID.String()),
					slog.String("error", r.Err.Error()),
				)
			}
			continue
		}
		pairs = append(pairs, [2]string{infoProperties[i].name, formatValues(r.Values)})
		fields[r.PropertyID.String()] = jsonValues(r.Values)
	}

	if count, err := client.ReadProperty(ctx, deviceID, deviceOID, bacnet.PropertyObjectList, bacnet.WithArrayIndex(0)); err == nil {
		pairs = append(pairs, [2]string{"Object Count", formatValue(count)})
		fields["object-count"] = jsonValue(count)
	}
	if dev, ok := client.GetDevice(deviceID); ok && dev.UDPAddr != nil {
		pairs = append(pairs, [2]string{"Address", dev.UDPAddr.String()})
		fields["address"] = dev.UDPAddr.String()
	}

	f := NewFormatter(outputFmt)
	if f.format == FormatJSON {
		fields["device_id"] = deviceID
		fields["timestamp"] = time.Now().Format(time.RFC3339)
		return f.JSON(fields)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("device %d returned no properties", deviceID)
	}
	f.PrintKeyValue(fmt.Sprintf("Device %d", deviceID), pairs)
	return nil
}
