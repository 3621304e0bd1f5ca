package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
	"github.com/edgeo-scada/bacnet-ede/internal/ede"
)

var (
	readObject     string
	readProperty   string
	readArrayIndex int
	readAll        bool
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a property from a BACnet object",
	Long: `Read retrieves property values from BACnet objects.

Object types can be given by name, abbreviation or number:
  analog-input, ai, 0
  analog-output, ao, 1
  analog-value, av, 2
  binary-input, bi, 3
  binary-output, bo, 4
  binary-value, bv, 5
  device, dev, 8
  multi-state-input, msi, 13
  multi-state-output, mso, 14
  multi-state-value, msv, 19

Properties can be given by name, abbreviation or number:
  present-value, pv, 85
  object-name, name, 77
  description, desc, 28
  status-flags, sf, 111
  units, 117
  out-of-service, oos, 81

Arrays are read whole, reassembling segmented answers, unless --index
selects one element.

Examples:
  # Read present value from analog input 1
  bacnet-ede read -d 1234 -O analog-input:1 -P present-value

  # Read the object list of a device at a known address
  bacnet-ede read -d 1234 -H 192.168.1.20 -O device:1234 -P object-list

  # Read the array length
  bacnet-ede read -d 1234 -O device:1234 -P object-list --index 0

  # Read every EDE property of an object
  bacnet-ede read -d 1234 -O av:7 --all`,

	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readObject, "object", "O", "", "Object type and instance (e.g., analog-input:1 or ai:1)")
	readCmd.Flags().StringVarP(&readProperty, "property", "P", "present-value", "Property identifier")
	readCmd.Flags().IntVar(&readArrayIndex, "index", -1, "Array index (-1 for the whole value)")
	readCmd.Flags().BoolVar(&readAll, "all", false, "Read every EDE property of the object")

	readCmd.MarkFlagRequired("object")
}

func runRead(cmd *cobra.Command, args []string) error {
	if err := requireDevice(); err != nil {
		return err
	}
	objectID, err := bacnet.ParseObjectIdentifier(readObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if readAll {
		results := client.ReadObject(ctx, deviceID, objectID, ede.Properties...)
		return outputObject(objectID, results)
	}

	propID, err := parsePropertyIdentifier(readProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}
	var readOpts []bacnet.ReadOption
	if readArrayIndex >= 0 {
		readOpts = append(readOpts, bacnet.WithArrayIndex(uint32(readArrayIndex)))
	}

	values, err := client.ReadPropertyList(ctx, deviceID, objectID, propID, readOpts...)
	if err != nil {
		return fmt.Errorf("read property: %w", err)
	}

	f := NewFormatter(outputFmt)
	switch f.format {
	case FormatJSON:
		return f.JSON(map[string]any{
			"device":   deviceID,
			"object":   objectID.String(),
			"property": propID.String(),
			"value":    jsonValues(values),
		})
	case FormatCSV:
		return f.Records([]string{"object", "property", "value"}, [][]string{{objectID.String(), propID.String(), formatValues(values)}})
	}

	if len(values) > 1 {
		rows := make([][]string, len(values))
		for i, v := range values {
			rows[i] = []string{strconv.Itoa(i + 1), formatValue(v)}
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("%s %s (%d elements)", objectID, propID, len(values))))
		f.PrintTable([]string{"INDEX", "VALUE"}, rows)
		return nil
	}
	f.PrintKeyValue("", [][2]string{
		{"Object", objectID.String()},
		{"Property", propID.String()},
		{"Value", formatValues(values)},
	})
	return nil
}

func outputObject(objectID bacnet.ObjectIdentifier, results []bacnet.PropertyResult) error {
	f := NewFormatter(outputFmt)
	if f.format == FormatJSON {
		props := make(map[string]any, len(results))
		for _, r := range results {
			if r.Err == nil {
				props[r.PropertyID.String()] = jsonValues(r.Values)
			}
		}
		return f.JSON(map[string]any{"object": objectID.String(), "properties": props})
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		switch {
		case r.Err == nil:
			rows = append(rows, []string{r.PropertyID.String(), formatValues(r.Values)})
		case bacnet.IsPropertyNotFound(r.Err):
			if f.format == FormatTable {
				rows = append(rows, []string{r.PropertyID.String(), dimStyle.Render("-")})
			}
		default:
			rows = append(rows, []string{r.PropertyID.String(), errorStyle.Render(r.Err.Error())})
		}
	}
	if f.format == FormatTable {
		fmt.Println(titleStyle.Render(objectID.String()))
	}
	return f.Records([]string{"property", "value"}, rows)
}

func parsePropertyIdentifier(s string) (bacnet.PropertyIdentifier, error) {
	if n, err := strconv.ParseUint(s, 10, 22); err == nil {
		return bacnet.PropertyIdentifier(n), nil
	}
	prop, ok := bacnet.ParsePropertyIdentifier(s)
	if !ok {
		return 0, fmt.Errorf("unknown property: %s", s)
	}
	return prop, nil
}
