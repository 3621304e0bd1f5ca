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

package device

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// PriorityLevels is the size of a commandable object's priority array
const PriorityLevels = 16

// defaultPriority applies when a write carries no priority
const defaultPriority = 16

var (
	errUnknownObject   = bacnet.NewBACnetError(bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject)
	errUnknownProperty = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty)
	errNotAnArray      = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodePropertyIsNotAnArray)
	errBadIndex        = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex)
	errWriteDenied     = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeWriteAccessDenied)
	errDataType        = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType)
	errOutOfRange      = bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeValueOutOfRange)
)

type point struct {
	cfg         Point
	id          bacnet.ObjectIdentifier
	kind        kind
	commandable bool

	// base is the relinquish default of commandable points and the
	// present value of all others
	base         bacnet.Value
	priority     [PriorityLevels]bacnet.Value
	outOfService bool

	reported    bacnet.Value
	reportedOOS bool
	phase       float64
}

func (p *point) presentValue() bacnet.Value {
	if p.commandable {
		for _, v := range p.priority {
			if v != nil {
				return v
			}
		}
	}
	return p.base
}

func (p *point) statusFlags() bacnet.StatusFlags {
	flags := bacnet.StatusFlags{OutOfService: p.outOfService}
	if p.kind == kindAnalog {
		if f, ok := bacnet.ToFloat(p.presentValue()); ok {
			if p.cfg.HighLimit != nil && f > *p.cfg.HighLimit {
				flags.InAlarm = true
			}
			if p.cfg.LowLimit != nil && f < *p.cfg.LowLimit {
				flags.InAlarm = true
			}
		}
	}
	return flags
}

// due reports whether the point changed enough since the last report to
// warrant a COV notification
func (p *point) due() bool {
	pv := p.presentValue()
	if p.reported == nil || p.outOfService != p.reportedOOS {
		return true
	}
	if p.kind == kindAnalog {
		a, _ := bacnet.ToFloat(pv)
		b, _ := bacnet.ToFloat(p.reported)
		return a != b && math.Abs(a-b) >= p.cfg.COVIncrement
	}
	return pv != p.reported
}

func (p *point) markReported() {
	p.reported = p.presentValue()
	p.reportedOOS = p.outOfService
}

// coerce converts a written value to the point's native type
func (p *point) coerce(v bacnet.Value) (bacnet.Value, error) {
	switch p.kind {
	case kindAnalog:
		f, ok := bacnet.ToFloat(v)
		if !ok {
			return nil, errDataType
		}
		return bacnet.Real(f), nil
	case kindBinary:
		var n uint32
		switch v := v.(type) {
		case bacnet.Enumerated:
			n = uint32(v)
		case bacnet.Unsigned:
			n = uint32(v)
		case bacnet.Boolean:
			if v {
				n = 1
			}
		default:
			return nil, errDataType
		}
		if n > 1 {
			return nil, errOutOfRange
		}
		return bacnet.Enumerated(n), nil
	default:
		var n uint32
		switch v := v.(type) {
		case bacnet.Unsigned:
			n = uint32(v)
		case bacnet.Enumerated:
			n = uint32(v)
		default:
			return nil, errDataType
		}
		if n < 1 || int(n) > len(p.cfg.StateText) {
			return nil, errOutOfRange
		}
		return bacnet.Unsigned(n), nil
	}
}

func nativeValue(k kind, f float64) bacnet.Value {
	switch k {
	case kindAnalog:
		return bacnet.Real(f)
	case kindBinary:
		if f != 0 {
			return bacnet.Enumerated(1)
		}
		return bacnet.Enumerated(0)
	default:
		return bacnet.Unsigned(uint32(f))
	}
}

// Database is a bacnet.ObjectDatabase holding one device and its points.
// It is safe for concurrent use.
type Database struct {
	mu        sync.RWMutex
	info      Info
	device    bacnet.ObjectIdentifier
	order     []bacnet.ObjectIdentifier
	points    map[bacnet.ObjectIdentifier]*point
	listeners []func(bacnet.ObjectIdentifier)
	logger    *slog.Logger
}

// New builds a database from a validated point file
func New(cfg *Config, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}
	db := &Database{
		info:   cfg.Device,
		device: bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, cfg.Device.Instance),
		points: make(map[bacnet.ObjectIdentifier]*point),
		logger: logger,
	}
	db.order = append(db.order, db.device)
	for _, pc := range cfg.Objects {
		p := &point{
			cfg:         pc,
			id:          pc.ObjectID(),
			kind:        kindOf(pc.objectType),
			commandable: commandable(pc.objectType),
		}
		p.base = nativeValue(p.kind, pc.PresentValue)
		p.markReported()
		db.points[p.id] = p
		db.order = append(db.order, p.id)
	}
	return db
}

// DeviceObject returns the device object identifier
func (db *Database) DeviceObject() bacnet.ObjectIdentifier {
	return db.device
}

// Objects returns the object list, device object first
func (db *Database) Objects() []bacnet.ObjectIdentifier {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]bacnet.ObjectIdentifier, len(db.order))
	copy(out, db.order)
	return out
}

// OnChange registers fn to be called with every object whose present value
// or out-of-service state moved past its COV threshold
func (db *Database) OnChange(fn func(bacnet.ObjectIdentifier)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listeners = append(db.listeners, fn)
}

func (db *Database) fire(ids []bacnet.ObjectIdentifier) {
	if len(ids) == 0 {
		return
	}
	db.mu.RLock()
	listeners := append([]func(bacnet.ObjectIdentifier){}, db.listeners...)
	db.mu.RUnlock()
	for _, id := range ids {
		for _, fn := range listeners {
			fn(id)
		}
	}
}

// ReadProperty implements bacnet.ObjectDatabase
func (db *Database) ReadProperty(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, index *uint32) ([]bacnet.Value, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if oid == db.device {
		return db.readDevice(prop, index)
	}
	p, ok := db.points[oid]
	if !ok {
		return nil, errUnknownObject
	}
	return p.read(prop, index)
}

func (db *Database) readDevice(prop bacnet.PropertyIdentifier, index *uint32) ([]bacnet.Value, error) {
	if prop == bacnet.PropertyObjectList {
		list := make([]bacnet.Value, len(db.order))
		for i, oid := range db.order {
			list[i] = oid
		}
		return element(list, index)
	}

	var v bacnet.Value
	switch prop {
	case bacnet.PropertyObjectIdentifier:
		v = db.device
	case bacnet.PropertyObjectName:
		v = bacnet.CharacterString(db.info.Name)
	case bacnet.PropertyObjectType:
		v = bacnet.Enumerated(bacnet.ObjectTypeDevice)
	case bacnet.PropertyDescription:
		v = bacnet.CharacterString(db.info.Description)
	case bacnet.PropertyLocation:
		v = bacnet.CharacterString(db.info.Location)
	case bacnet.PropertySystemStatus:
		v = bacnet.Enumerated(0) // operational
	case bacnet.PropertyVendorName:
		v = bacnet.CharacterString(db.info.VendorName)
	case bacnet.PropertyVendorIdentifier:
		v = bacnet.Unsigned(db.info.VendorID)
	case bacnet.PropertyModelName:
		v = bacnet.CharacterString(db.info.ModelName)
	case bacnet.PropertyFirmwareRevision, bacnet.PropertyApplicationSoftwareVersion:
		v = bacnet.CharacterString(db.info.Firmware)
	case bacnet.PropertyProtocolVersion:
		v = bacnet.Unsigned(1)
	case bacnet.PropertyProtocolRevision:
		v = bacnet.Unsigned(14)
	case bacnet.PropertyMaxApduLengthAccepted:
		v = bacnet.Unsigned(bacnet.MaxAPDULength)
	case bacnet.PropertySegmentationSupported:
		v = bacnet.Enumerated(bacnet.SegmentationBoth)
	case bacnet.PropertyDatabaseRevision:
		v = bacnet.Unsigned(1)
	default:
		return nil, errUnknownProperty
	}
	if index != nil {
		return nil, errNotAnArray
	}
	return []bacnet.Value{v}, nil
}

func (p *point) read(prop bacnet.PropertyIdentifier, index *uint32) ([]bacnet.Value, error) {
	switch prop {
	case bacnet.PropertyPriorityArray:
		if !p.commandable {
			return nil, errUnknownProperty
		}
		arr := make([]bacnet.Value, PriorityLevels)
		for i, v := range p.priority {
			if v == nil {
				v = bacnet.Null{}
			}
			arr[i] = v
		}
		return element(arr, index)
	case bacnet.PropertyStateText:
		if p.kind != kindMultiState {
			return nil, errUnknownProperty
		}
		arr := make([]bacnet.Value, len(p.cfg.StateText))
		for i, s := range p.cfg.StateText {
			arr[i] = bacnet.CharacterString(s)
		}
		return element(arr, index)
	}

	var v bacnet.Value
	switch prop {
	case bacnet.PropertyObjectIdentifier:
		v = p.id
	case bacnet.PropertyObjectName:
		v = bacnet.CharacterString(p.cfg.Name)
	case bacnet.PropertyObjectType:
		v = bacnet.Enumerated(p.id.Type)
	case bacnet.PropertyDescription:
		v = bacnet.CharacterString(p.cfg.Description)
	case bacnet.PropertyPresentValue:
		v = p.presentValue()
	case bacnet.PropertyStatusFlags:
		v = p.statusFlags()
	case bacnet.PropertyOutOfService:
		v = bacnet.Boolean(p.outOfService)
	case bacnet.PropertyRelinquishDefault:
		if !p.commandable {
			return nil, errUnknownProperty
		}
		v = p.base
	default:
		var ok bool
		if v, ok = p.analogProperty(prop); !ok {
			return nil, errUnknownProperty
		}
	}
	if index != nil {
		return nil, errNotAnArray
	}
	return []bacnet.Value{v}, nil
}

func (p *point) analogProperty(prop bacnet.PropertyIdentifier) (bacnet.Value, bool) {
	if p.kind != kindAnalog {
		return nil, false
	}
	optional := func(f *float64) (bacnet.Value, bool) {
		if f == nil {
			return nil, false
		}
		return bacnet.Real(*f), true
	}
	switch prop {
	case bacnet.PropertyUnits:
		return bacnet.Enumerated(p.cfg.Units), true
	case bacnet.PropertyCOVIncrement:
		return bacnet.Real(p.cfg.COVIncrement), true
	case bacnet.PropertyMinPresValue:
		return optional(p.cfg.Min)
	case bacnet.PropertyMaxPresValue:
		return optional(p.cfg.Max)
	case bacnet.PropertyHighLimit:
		return optional(p.cfg.HighLimit)
	case bacnet.PropertyLowLimit:
		return optional(p.cfg.LowLimit)
	}
	return nil, false
}

// element applies BACnet array indexing: nil is the whole array, 0 is its
// length, 1..n an element
func element(arr []bacnet.Value, index *uint32) ([]bacnet.Value, error) {
	switch {
	case index == nil:
		return arr, nil
	case *index == 0:
		return []bacnet.Value{bacnet.Unsigned(len(arr))}, nil
	case int(*index) <= len(arr):
		return []bacnet.Value{arr[*index-1]}, nil
	default:
		return nil, errBadIndex
	}
}

// WriteProperty implements bacnet.ObjectDatabase. Present value is writable
// on points marked writable; commandable types write into the priority
// array, where Null relinquishes the slot. Out-of-service is always
// writable.
func (db *Database) WriteProperty(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, index *uint32, values []bacnet.Value, priority *uint8) error {
	db.mu.Lock()
	changed, err := db.write(oid, prop, index, values, priority)
	db.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		db.fire([]bacnet.ObjectIdentifier{oid})
	}
	return nil
}

func (db *Database) write(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, index *uint32, values []bacnet.Value, priority *uint8) (bool, error) {
	if oid == db.device {
		return false, errWriteDenied
	}
	p, ok := db.points[oid]
	if !ok {
		return false, errUnknownObject
	}
	if len(values) != 1 {
		return false, errDataType
	}
	if index != nil {
		return false, errNotAnArray
	}
	value := values[0]

	switch prop {
	case bacnet.PropertyPresentValue:
		if !p.cfg.Writable {
			return false, errWriteDenied
		}
		if p.commandable {
			level := defaultPriority
			if priority != nil {
				level = int(*priority)
			}
			if level < 1 || level > PriorityLevels {
				return false, errOutOfRange
			}
			if _, null := value.(bacnet.Null); null {
				p.priority[level-1] = nil
			} else {
				v, err := p.coerce(value)
				if err != nil {
					return false, err
				}
				p.priority[level-1] = v
			}
			db.logger.Debug("present value commanded",
				slog.String("object", oid.String()),
				slog.Int("priority", level),
				slog.String("value", value.String()),
			)
		} else {
			v, err := p.coerce(value)
			if err != nil {
				return false, err
			}
			p.base = v
		}
	case bacnet.PropertyOutOfService:
		b, ok := value.(bacnet.Boolean)
		if !ok {
			return false, errDataType
		}
		p.outOfService = bool(b)
	default:
		if _, err := p.read(prop, nil); err != nil {
			return false, err
		}
		return false, errWriteDenied
	}

	if !p.due() {
		return false, nil
	}
	p.markReported()
	return true, nil
}

// Set changes a point's process value, the relinquish default for
// commandable points. Change listeners run when the COV threshold is met.
func (db *Database) Set(oid bacnet.ObjectIdentifier, value bacnet.Value) error {
	db.mu.Lock()
	p, ok := db.points[oid]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: %s", errUnknownObject, oid)
	}
	v, err := p.coerce(value)
	if err != nil {
		db.mu.Unlock()
		return fmt.Errorf("set %s: %w", oid, err)
	}
	p.base = v
	due := p.due()
	if due {
		p.markReported()
	}
	db.mu.Unlock()

	if due {
		db.fire([]bacnet.ObjectIdentifier{oid})
	}
	return nil
}
