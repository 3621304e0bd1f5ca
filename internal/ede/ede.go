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

// Package ede accumulates scanned property values per device and writes
// them as Engineering Data Exchange (EDE) CSV files.
package ede

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// LayoutVersion is the EDE layout the writer produces
const LayoutVersion = "2.2"

// Columns is the EDE column header, in order
var Columns = []string{
	"# keyname",
	"device obj.-instance",
	"object-name",
	"object-type",
	"object-instance",
	"description",
	"present-value-default",
	"min-present-value",
	"max-present-value",
	"settable",
	"supports COV",
	"hi-limit",
	"low-limit",
	"state-text-reference",
	"unit-code",
	"vendor-specific-address",
}

// Properties are the properties a scan reads for each object to fill a row
var Properties = []bacnet.PropertyIdentifier{
	bacnet.PropertyObjectName,
	bacnet.PropertyDescription,
	bacnet.PropertyPresentValue,
	bacnet.PropertyMinPresValue,
	bacnet.PropertyMaxPresValue,
	bacnet.PropertyHighLimit,
	bacnet.PropertyLowLimit,
	bacnet.PropertyUnits,
	bacnet.PropertyCOVIncrement,
}

// Header is the file header block preceding the column row
type Header struct {
	ProjectName string
	Author      string
	Version     int
	Timestamp   time.Time
	// ScanID is written as a comment line when set
	ScanID string
}

type object struct {
	id    bacnet.ObjectIdentifier
	props map[bacnet.PropertyIdentifier]bacnet.Value
}

type device struct {
	instance uint32
	address  string
	objects  map[bacnet.ObjectIdentifier]*object
}

// Store collects (object, property, value) tuples per device. It is safe
// for concurrent use.
type Store struct {
	mu      sync.Mutex
	devices map[uint32]*device
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{devices: make(map[uint32]*device)}
}

func (s *Store) device(instance uint32) *device {
	d, ok := s.devices[instance]
	if !ok {
		d = &device{instance: instance, objects: make(map[bacnet.ObjectIdentifier]*object)}
		s.devices[instance] = d
	}
	return d
}

// AddDevice registers a device and the address it answered from
func (s *Store) AddDevice(instance uint32, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device(instance).address = address
}

// AddObject registers an object so that it gets a row even when none of
// its properties could be read
func (s *Store) AddObject(instance uint32, oid bacnet.ObjectIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.object(instance, oid)
}

func (s *Store) object(instance uint32, oid bacnet.ObjectIdentifier) *object {
	d := s.device(instance)
	o, ok := d.objects[oid]
	if !ok {
		o = &object{id: oid, props: make(map[bacnet.PropertyIdentifier]bacnet.Value)}
		d.objects[oid] = o
	}
	return o
}

// Put records one property value
func (s *Store) Put(instance uint32, oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, value bacnet.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.object(instance, oid).props[prop] = value
}

// Get returns a recorded value
func (s *Store) Get(instance uint32, oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier) (bacnet.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[instance]
	if !ok {
		return nil, false
	}
	o, ok := d.objects[oid]
	if !ok {
		return nil, false
	}
	v, ok := o.props[prop]
	return v, ok
}

// Devices returns the device instances in ascending order
func (s *Store) Devices() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ObjectCount returns the number of objects recorded for a device
func (s *Store) ObjectCount(instance uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[instance]; ok {
		return len(d.objects)
	}
	return 0
}

// Rows returns the EDE rows of a device, the device object first and the
// rest ordered by type then instance
func (s *Store) Rows(instance uint32) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[instance]
	if !ok {
		return nil
	}
	objects := make([]*object, 0, len(d.objects))
	for _, o := range d.objects {
		objects = append(objects, o)
	}
	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i].id, objects[j].id
		if (a.Type == bacnet.ObjectTypeDevice) != (b.Type == bacnet.ObjectTypeDevice) {
			return a.Type == bacnet.ObjectTypeDevice
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Instance < b.Instance
	})

	rows := make([][]string, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, o.row(d))
	}
	return rows
}

func (o *object) row(d *device) []string {
	name := text(o.props[bacnet.PropertyObjectName])
	key := name
	if key == "" {
		key = fmt.Sprintf("%s_%d", o.id.Type, o.id.Instance)
	}
	unit := ""
	if u, ok := o.props[bacnet.PropertyUnits]; ok {
		unit = u.String()
	}
	address := ""
	if o.id.Type == bacnet.ObjectTypeDevice {
		address = d.address
	}
	return []string{
		key,
		strconv.FormatUint(uint64(d.instance), 10),
		name,
		strconv.FormatUint(uint64(o.id.Type), 10),
		strconv.FormatUint(uint64(o.id.Instance), 10),
		text(o.props[bacnet.PropertyDescription]),
		text(o.props[bacnet.PropertyPresentValue]),
		text(o.props[bacnet.PropertyMinPresValue]),
		text(o.props[bacnet.PropertyMaxPresValue]),
		flag(settable(o.id.Type), "W", "R"),
		flag(supportsCOV(o), "Y", "N"),
		text(o.props[bacnet.PropertyHighLimit]),
		text(o.props[bacnet.PropertyLowLimit]),
		"",
		unit,
		address,
	}
}

func text(v bacnet.Value) string {
	if v == nil {
		return ""
	}
	if _, ok := v.(bacnet.Null); ok {
		return ""
	}
	return v.String()
}

func flag(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

// settable reports whether present-value is commandable for the type
func settable(t bacnet.ObjectType) bool {
	switch t {
	case bacnet.ObjectTypeAnalogOutput, bacnet.ObjectTypeAnalogValue,
		bacnet.ObjectTypeBinaryOutput, bacnet.ObjectTypeBinaryValue,
		bacnet.ObjectTypeMultiStateOutput, bacnet.ObjectTypeMultiStateValue:
		return true
	}
	return false
}

func supportsCOV(o *object) bool {
	if _, ok := o.props[bacnet.PropertyCOVIncrement]; ok {
		return true
	}
	switch o.id.Type {
	case bacnet.ObjectTypeBinaryInput, bacnet.ObjectTypeBinaryOutput, bacnet.ObjectTypeBinaryValue,
		bacnet.ObjectTypeMultiStateInput, bacnet.ObjectTypeMultiStateOutput, bacnet.ObjectTypeMultiStateValue:
		return true
	}
	return false
}

// Write writes the EDE file of one device to w
func (s *Store) Write(w io.Writer, instance uint32, h Header) error {
	if h.Version == 0 {
		h.Version = 1
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'

	records := [][]string{
		{"#Engineering-Data-Exchange - B.I.G.-EU"},
		{"PROJECT_NAME", h.ProjectName},
		{"VERSION_OF_REFERENCEFILE", strconv.Itoa(h.Version)},
		{"TIMESTAMP_OF_LAST_CHANGE", h.Timestamp.Format("02.01.2006 15:04:05")},
		{"AUTHOR_OF_LAST_CHANGE", h.Author},
		{"VERSION_OF_LAYOUT", LayoutVersion},
	}
	if h.ScanID != "" {
		records = append(records, []string{"#scan " + h.ScanID})
	}
	records = append(records, Columns)
	records = append(records, s.Rows(instance)...)

	for _, rec := range records {
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write EDE record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileName returns the EDE file name of a device
func FileName(prefix string, instance uint32) string {
	return fmt.Sprintf("%s_%d.csv", prefix, instance)
}

// Export writes one file per device into dir and returns the paths written
func (s *Store) Export(dir, prefix string, h Header) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	var paths []string
	for _, instance := range s.Devices() {
		path := filepath.Join(dir, FileName(prefix, instance))
		if err := s.writeFile(path, instance, h); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *Store) writeFile(path string, instance uint32, h Header) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create EDE file: %w", err)
	}
	if err := s.Write(f, instance, h); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close EDE file: %w", err)
	}
	return nil
}
