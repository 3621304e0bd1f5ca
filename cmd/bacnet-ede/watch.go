package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

var (
	watchObject      string
	watchProperty    string
	watchInterval    time.Duration
	watchCOV         bool
	watchCOVLifetime uint32
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a property for changes",
	Long: `Watch monitors a BACnet property for changes.

Two modes are available:
  - Polling: periodically reads the property value
  - COV: subscribes to unconfirmed change-of-value notifications

Examples:
  # Poll present value every second
  bacnet-ede watch -d 1234 -O analog-input:1 --interval 1s

  # Subscribe to COV notifications
  bacnet-ede watch -d 1234 -O analog-input:1 --cov

  # COV with a 5 minute lifetime
  bacnet-ede watch -d 1234 -O analog-input:1 --cov --cov-lifetime 300`,

	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchObject, "object", "O", "", "Object type and instance (e.g., analog-input:1)")
	watchCmd.Flags().StringVarP(&watchProperty, "property", "P", "present-value", "Property identifier")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
	watchCmd.Flags().BoolVar(&watchCOV, "cov", false, "Use a COV subscription instead of polling")
	watchCmd.Flags().Uint32Var(&watchCOVLifetime, "cov-lifetime", 0, "COV subscription lifetime in seconds (0 = indefinite)")

	watchCmd.MarkFlagRequired("object")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireDevice(); err != nil {
		return err
	}
	objectID, err := bacnet.ParseObjectIdentifier(watchObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	propID, err := parsePropertyIdentifier(watchProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Watching %s %s on device %d", objectID, propID, deviceID)))
	fmt.Println(dimStyle.Render("Press Ctrl+C to stop"))
	fmt.Println()

	if watchCOV {
		return runCOVWatch(ctx, client, objectID, propID)
	}
	return runPollingWatch(ctx, client, objectID, propID)
}

func runPollingWatch(ctx context.Context, client *bacnet.Client, objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	last, err := client.ReadProperty(ctx, deviceID, objectID, propID)
	if err != nil {
		return fmt.Errorf("initial read: %w", err)
	}
	outputWatchValue(time.Now(), objectID, propID, last, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			value, err := client.ReadProperty(ctx, deviceID, objectID, propID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[%s] %v", time.Now().Format("15:04:05.000"), err)))
				continue
			}
			changed := value != last
			if changed || verbose {
				outputWatchValue(time.Now(), objectID, propID, value, changed)
				last = value
			}
		}
	}
}

func runCOVWatch(ctx context.Context, client *bacnet.Client, objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier) error {
	var subOpts []bacnet.SubscribeOption
	if watchCOVLifetime > 0 {
		subOpts = append(subOpts, bacnet.WithSubscriptionLifetime(watchCOVLifetime))
	}

	handler := func(devID uint32, oid bacnet.ObjectIdentifier, values []bacnet.PropertyValue) {
		for _, pv := range values {
			if pv.PropertyID == propID && len(pv.Values) > 0 {
				outputWatchValue(time.Now(), oid, pv.PropertyID, pv.Values[0], true)
			}
		}
	}

	subID, err := client.SubscribeCOV(ctx, deviceID, objectID, handler, subOpts...)
	if err != nil {
		return fmt.Errorf("subscribe COV: %w", err)
	}
	logger.Info("subscribed", slog.Uint64("subscription_id", uint64(subID)))

	<-ctx.Done()

	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer unsubCancel()
	if err := client.UnsubscribeCOV(unsubCtx, deviceID, objectID, subID); err != nil {
		logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
	}
	return nil
}

func outputWatchValue(t time.Time, objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier, value bacnet.Value, changed bool) {
	f := NewFormatter(outputFmt)
	switch f.format {
	case FormatJSON:
		f.JSON(map[string]any{
			"time":     t.Format(time.RFC3339Nano),
			"object":   objectID.String(),
			"property": propID.String(),
			"value":    jsonValue(value),
			"changed":  changed,
		})
	case FormatCSV:
		fmt.Printf("%s,%s,%s,%s,%v\n", t.Format(time.RFC3339Nano), objectID, propID, formatValue(value), changed)
	default:
		marker := " "
		if changed {
			marker = successStyle.Render("*")
		}
		fmt.Printf("%s %s %s %s = %s\n",
			dimStyle.Render("["+t.Format("15:04:05.000")+"]"),
			marker,
			objectID,
			propID,
			formatValue(value),
		)
	}
}
