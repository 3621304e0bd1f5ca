package ede

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

func sampleStore() *Store {
	s := NewStore()
	dev := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 100)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 3)
	bv := bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryValue, 1)

	s.AddDevice(100, "192.168.1.20:47808")
	s.Put(100, bv, bacnet.PropertyPresentValue, bacnet.Enumerated(1))
	s.Put(100, ai, bacnet.PropertyObjectName, bacnet.CharacterString("OAT"))
	s.Put(100, ai, bacnet.PropertyDescription, bacnet.CharacterString("outside air; north"))
	s.Put(100, ai, bacnet.PropertyPresentValue, bacnet.Real(12.5))
	s.Put(100, ai, bacnet.PropertyUnits, bacnet.Enumerated(62))
	s.Put(100, ai, bacnet.PropertyCOVIncrement, bacnet.Real(0.5))
	s.Put(100, dev, bacnet.PropertyObjectName, bacnet.CharacterString("AHU-1"))
	return s
}

func TestRows(t *testing.T) {
	rows := sampleStore().Rows(100)
	if len(rows) != 3 {
		t.Fatalf("%d rows, want 3", len(rows))
	}
	if rows[0][2] != "AHU-1" || rows[0][3] != "8" || rows[0][15] != "192.168.1.20:47808" {
		t.Errorf("device row = %q", rows[0])
	}

	ai := rows[1]
	want := map[int]string{0: "OAT", 1: "100", 3: "0", 4: "3", 6: "12.5", 9: "R", 10: "Y", 14: "62"}
	for col, v := range want {
		if ai[col] != v {
			t.Errorf("analog input column %q = %q, want %q", Columns[col], ai[col], v)
		}
	}

	bv := rows[2]
	if bv[0] != "binary-value_1" || bv[9] != "W" || bv[10] != "Y" || bv[6] != "1" {
		t.Errorf("binary value row = %q", bv)
	}
	for _, row := range rows {
		if len(row) != len(Columns) {
			t.Fatalf("row has %d cells, want %d", len(row), len(Columns))
		}
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	h := Header{ProjectName: "site", Author: "scanner", Timestamp: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC), ScanID: "abc"}
	if err := sampleStore().Write(&buf, 100, h); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "#Engineering-Data-Exchange - B.I.G.-EU" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[3] != "TIMESTAMP_OF_LAST_CHANGE;04.03.2025 05:06:07" {
		t.Errorf("timestamp line = %q", lines[3])
	}
	if lines[5] != "VERSION_OF_LAYOUT;2.2" || lines[6] != "#scan abc" {
		t.Errorf("header tail = %q", lines[5:7])
	}
	if !strings.HasPrefix(lines[7], "# keyname;device obj.-instance;") {
		t.Errorf("column row = %q", lines[7])
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines[8:], "\n")))
	r.Comma = ';'
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if records[1][5] != "outside air; north" {
		t.Errorf("separator in description not quoted: %q", records[1][5])
	}
}

func TestExport(t *testing.T) {
	s := sampleStore()
	s.AddObject(200, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 200))
	dir := filepath.Join(t.TempDir(), "out")

	paths, err := s.Export(dir, "scan", Header{ProjectName: "site"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "scan_100.csv" || filepath.Base(paths[1]) != "scan_200.csv" {
		t.Fatalf("paths = %v", paths)
	}
	data, err := os.ReadFile(paths[1])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "device_200;200;;8;200") {
		t.Errorf("unnamed device row missing:\n%s", data)
	}
}

func TestStoreAccessors(t *testing.T) {
	s := sampleStore()
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 3)
	if v, ok := s.Get(100, ai, bacnet.PropertyPresentValue); !ok || v != bacnet.Real(12.5) {
		t.Errorf("Get = %v, %v", v, ok)
	}
	if _, ok := s.Get(7, ai, bacnet.PropertyPresentValue); ok {
		t.Errorf("unknown device returned a value")
	}
	if s.ObjectCount(100) != 3 || s.ObjectCount(7) != 0 {
		t.Errorf("object count = %d", s.ObjectCount(100))
	}
	if s.Rows(7) != nil {
		t.Errorf("rows for unknown device")
	}
}
