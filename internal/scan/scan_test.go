package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
	"github.com/edgeo-scada/bacnet-ede/internal/device"
	"github.com/edgeo-scada/bacnet-ede/internal/ede"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offlineDB fails present-value reads of one object with a non-protocol
// error, which the server reports as device/other
type offlineDB struct {
	*device.Database
	offline bacnet.ObjectIdentifier
}

func (db *offlineDB) ReadProperty(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, index *uint32) ([]bacnet.Value, error) {
	if oid == db.offline && prop == bacnet.PropertyPresentValue {
		return nil, errors.New("sensor offline")
	}
	return db.Database.ReadProperty(oid, prop, index)
}

func pointFile(n int) []byte {
	var b strings.Builder
	b.WriteString("device:\n  instance: 4321\n  name: scan-target\nobjects:\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "  - {type: analog-value, instance: %d, name: AV%d, presentValue: %d, units: 98}\n", i, i, i)
	}
	return []byte(b.String())
}

func TestRunLoopback(t *testing.T) {
	cfg, err := device.ParseConfig(pointFile(25))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	db := &offlineDB{
		Database: device.New(cfg, discardLogger()),
		offline:  bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 7),
	}

	srv, err := bacnet.NewServer(db, bacnet.WithLocalAddress("127.0.0.1"), bacnet.WithPort(0), bacnet.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	client, err := bacnet.NewClient(
		bacnet.WithLocalAddress("127.0.0.1"),
		bacnet.WithPort(0),
		bacnet.WithTimeout(time.Second),
		bacnet.WithThread(2),
		bacnet.WithDelay(5*time.Millisecond),
		bacnet.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	s := New(client, Options{
		Budget:      20 * time.Second,
		WhoIsWindow: 200 * time.Millisecond,
		Target:      srv.LocalAddr().String(),
		Logger:      discardLogger(),
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Devices) != 1 || res.Devices[0].ObjectID.Instance != 4321 {
		t.Fatalf("devices = %v", res.Devices)
	}
	if res.Partial {
		t.Errorf("scan reported partial")
	}
	if res.Summary.Objects != 26 || res.Summary.Done != 26 {
		t.Errorf("objects %d, done %d, want 26", res.Summary.Objects, res.Summary.Done)
	}
	if res.Summary.Failed != 1 {
		t.Errorf("failed = %d, want the offline point only", res.Summary.Failed)
	}

	store := s.Store()
	av3 := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 3)
	if v, ok := store.Get(4321, av3, bacnet.PropertyPresentValue); !ok || v != bacnet.Real(3) {
		t.Errorf("AV3 present-value = %v, %v", v, ok)
	}
	if v, _ := store.Get(4321, av3, bacnet.PropertyUnits); v != bacnet.Enumerated(98) {
		t.Errorf("AV3 units = %v", v)
	}
	if v, ok := store.Get(4321, db.offline, bacnet.PropertyObjectName); !ok || v != bacnet.CharacterString("AV7") {
		t.Errorf("offline point lost its other properties: %v", v)
	}

	paths, err := s.Export(t.TempDir(), "site", ede.Header{ProjectName: "test"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "site_4321.csv" {
		t.Fatalf("paths = %v", paths)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "#scan "+s.ID()) {
		t.Errorf("export has no scan ID")
	}
	if got := strings.Count(string(data), "\n"); got != 8+26 {
		t.Errorf("export has %d lines, want header, columns and 26 rows", got)
	}
	if client.Metrics().RequestsSucceeded.Value() == 0 {
		t.Errorf("no requests counted")
	}
}

type stubClient struct {
	devices  []*bacnet.DeviceInfo
	whoIsErr error
	objects  []bacnet.ObjectIdentifier
	listErr  error
	block    bool
	flow     *bacnet.Flow
}

func (c *stubClient) WhoIs(ctx context.Context, opts ...bacnet.DiscoverOption) ([]*bacnet.DeviceInfo, error) {
	return c.devices, c.whoIsErr
}

func (c *stubClient) GetObjectList(ctx context.Context, deviceID uint32) ([]bacnet.ObjectIdentifier, error) {
	return c.objects, c.listErr
}

func (c *stubClient) ReadPropertyList(ctx context.Context, deviceID uint32, oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, opts ...bacnet.ReadOption) ([]bacnet.Value, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if prop == bacnet.PropertyObjectName {
		return []bacnet.Value{bacnet.CharacterString(oid.String())}, nil
	}
	return nil, bacnet.ErrPropertyNotFound
}

func (c *stubClient) Flow(uint32) *bacnet.Flow { return c.flow }

func newStub() *stubClient {
	return &stubClient{
		devices: []*bacnet.DeviceInfo{{ObjectID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 9)}},
		objects: []bacnet.ObjectIdentifier{
			bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryInput, 1),
			bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryInput, 2),
			bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryInput, 3),
		},
		flow: bacnet.NewFlow(bacnet.FlowConfig{Size: 1}, discardLogger()),
	}
}

func TestRunMissingPropertiesAreNotFailures(t *testing.T) {
	stub := newStub()
	s := New(stub, Options{Budget: 5 * time.Second, Logger: discardLogger()})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Done != 3 || res.Summary.Failed != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if s.Store().ObjectCount(9) != 4 {
		t.Errorf("store has %d objects, want device plus 3", s.Store().ObjectCount(9))
	}
}

func TestRunBudget(t *testing.T) {
	stub := newStub()
	stub.block = true
	s := New(stub, Options{Budget: 200 * time.Millisecond, WhoIsWindow: 10 * time.Millisecond, Logger: discardLogger()})

	start := time.Now()
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("scan overran its budget: %v", elapsed)
	}
	if !res.Partial {
		t.Errorf("scan not marked partial")
	}
	if s.Store().ObjectCount(9) != 4 {
		t.Errorf("partial data lost: %d objects", s.Store().ObjectCount(9))
	}

	// unread objects are settled as failures before Run returns
	if res.Summary.Done != 3 || res.Summary.Failed != 3 {
		t.Errorf("summary = %+v, want 3 done and 3 failed", res.Summary)
	}
	if stub.flow.Pending() != 0 || stub.flow.Active() != 0 {
		t.Errorf("flow still busy: %d pending, %d active", stub.flow.Pending(), stub.flow.Active())
	}
	time.Sleep(50 * time.Millisecond)
	if snap := s.Progress().Snapshot(); snap.Done != res.Summary.Done || snap.Failed != res.Summary.Failed {
		t.Errorf("progress moved after Run returned: %+v, result %+v", snap, res.Summary)
	}
}

func TestRunObjectListFailure(t *testing.T) {
	stub := newStub()
	stub.listErr = bacnet.ErrTimeout
	s := New(stub, Options{Budget: time.Second, Logger: discardLogger()})
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	devices := s.Progress().Devices()
	if len(devices) != 1 || !bacnet.IsTimeout(devices[0].Err) {
		t.Fatalf("progress = %+v", devices)
	}
	if len(s.Store().Rows(9)) != 1 {
		t.Errorf("device row missing")
	}
}

func TestRunDiscoveryError(t *testing.T) {
	stub := newStub()
	stub.whoIsErr = bacnet.ErrNotConnected
	if _, err := New(stub, Options{Logger: discardLogger()}).Run(context.Background()); !errors.Is(err, bacnet.ErrNotConnected) {
		t.Fatalf("Run = %v", err)
	}
}

func TestProgressSnapshot(t *testing.T) {
	p := NewProgress()
	start := p.start
	p.now = func() time.Time { return start.Add(10 * time.Second) }

	p.AddDevice(1)
	p.SetObjects(1, 100)
	for i := 0; i < 20; i++ {
		p.ObjectDone(1, i < 2)
	}
	p.AddDevice(2)
	p.DeviceFailed(2, bacnet.ErrTimeout)

	s := p.Snapshot()
	if s.Devices != 2 || s.Objects != 100 || s.Done != 20 || s.Failed != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Rate != 2 || s.ETA != 40*time.Second {
		t.Errorf("rate %v, ETA %v, want 2/s and 40s", s.Rate, s.ETA)
	}
	if s.Percent() != 20 {
		t.Errorf("percent = %v", s.Percent())
	}
	if !strings.Contains(s.String(), "objects 20/100 (20.0%)") || !strings.Contains(s.String(), "ETA 40.0s") {
		t.Errorf("String() = %q", s.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestReport(t *testing.T) {
	p := NewProgress()
	p.AddDevice(1)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	p.Report(ctx, &buf, 10*time.Millisecond)
	out := buf.String()
	if !strings.HasPrefix(out, "\rdevices 1") || !strings.HasSuffix(out, "\n") {
		t.Errorf("report output = %q", out)
	}
}
