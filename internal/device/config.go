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

// Package device implements the object model of a simulated BACnet device.
// Points are described in a YAML file and served by bacnet.Server.
package device

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
)

// Update patterns for simulated points
const (
	PatternStatic  = "static"
	PatternCounter = "counter"
	PatternRandom  = "random"
	PatternSine    = "sine"
)

// Config is the point file
type Config struct {
	Device  Info    `yaml:"device"`
	Objects []Point `yaml:"objects"`
}

// Info describes the device object
type Info struct {
	Instance    uint32 `yaml:"instance"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Location    string `yaml:"location"`
	VendorID    uint32 `yaml:"vendorId"`
	VendorName  string `yaml:"vendorName"`
	ModelName   string `yaml:"modelName"`
	Firmware    string `yaml:"firmware"`
}

// Point describes one object
type Point struct {
	Type         string   `yaml:"type"`
	Instance     uint32   `yaml:"instance"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	PresentValue float64  `yaml:"presentValue"`
	Units        uint32   `yaml:"units"`
	Writable     bool     `yaml:"writable"`
	COVIncrement float64  `yaml:"covIncrement"`
	Min          *float64 `yaml:"min"`
	Max          *float64 `yaml:"max"`
	HighLimit    *float64 `yaml:"highLimit"`
	LowLimit     *float64 `yaml:"lowLimit"`
	StateText    []string `yaml:"stateText"`
	Simulate     string   `yaml:"simulate"`

	objectType bacnet.ObjectType
}

// ObjectID returns the point's identifier. Valid after ParseConfig.
func (p *Point) ObjectID() bacnet.ObjectIdentifier {
	return bacnet.NewObjectIdentifier(p.objectType, p.Instance)
}

// LoadConfig reads and validates a point file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read point file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates point file contents
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate point file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.Name == "" {
		c.Device.Name = fmt.Sprintf("device-%d", c.Device.Instance)
	}
	if c.Device.VendorName == "" {
		c.Device.VendorName = "Edgeo SCADA"
	}
	if c.Device.ModelName == "" {
		c.Device.ModelName = "bacnet-ede virtual device"
	}
	if c.Device.Firmware == "" {
		c.Device.Firmware = "1.0"
	}
	for i := range c.Objects {
		p := &c.Objects[i]
		if p.Simulate == "" {
			p.Simulate = PatternStatic
		}
		if t, ok := bacnet.ParseObjectType(p.Type); ok {
			p.objectType = t
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s-%d", p.Type, p.Instance)
		}
	}
}

// Validate checks instances, types and simulation patterns
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Instance > bacnet.MaxInstance {
		errs = append(errs, fmt.Errorf("device.instance %d out of range", c.Device.Instance))
	}
	seen := make(map[bacnet.ObjectIdentifier]bool)
	for i := range c.Objects {
		p := &c.Objects[i]
		t, ok := bacnet.ParseObjectType(p.Type)
		if !ok || kindOf(t) == kindNone {
			errs = append(errs, fmt.Errorf("objects[%d]: unsupported type %q", i, p.Type))
			continue
		}
		if p.Instance > bacnet.MaxInstance {
			errs = append(errs, fmt.Errorf("objects[%d]: instance %d out of range", i, p.Instance))
		}
		oid := p.ObjectID()
		if seen[oid] {
			errs = append(errs, fmt.Errorf("objects[%d]: duplicate object %s", i, oid))
		}
		seen[oid] = true

		switch p.Simulate {
		case PatternStatic, PatternCounter, PatternRandom, PatternSine:
		default:
			errs = append(errs, fmt.Errorf("objects[%d]: unknown simulate pattern %q", i, p.Simulate))
		}
		if kindOf(t) == kindMultiState {
			if len(p.StateText) == 0 {
				errs = append(errs, fmt.Errorf("objects[%d]: multi-state object needs stateText", i))
			} else if p.PresentValue < 1 || int(p.PresentValue) > len(p.StateText) {
				errs = append(errs, fmt.Errorf("objects[%d]: presentValue %v outside 1..%d", i, p.PresentValue, len(p.StateText)))
			}
		}
		if p.COVIncrement < 0 {
			errs = append(errs, fmt.Errorf("objects[%d]: covIncrement must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

type kind int

const (
	kindNone kind = iota
	kindAnalog
	kindBinary
	kindMultiState
)

func kindOf(t bacnet.ObjectType) kind {
	switch t {
	case bacnet.ObjectTypeAnalogInput, bacnet.ObjectTypeAnalogOutput, bacnet.ObjectTypeAnalogValue:
		return kindAnalog
	case bacnet.ObjectTypeBinaryInput, bacnet.ObjectTypeBinaryOutput, bacnet.ObjectTypeBinaryValue:
		return kindBinary
	case bacnet.ObjectTypeMultiStateInput, bacnet.ObjectTypeMultiStateOutput, bacnet.ObjectTypeMultiStateValue:
		return kindMultiState
	}
	return kindNone
}

// commandable types carry a priority array
func commandable(t bacnet.ObjectType) bool {
	switch t {
	case bacnet.ObjectTypeAnalogOutput, bacnet.ObjectTypeAnalogValue,
		bacnet.ObjectTypeBinaryOutput, bacnet.ObjectTypeBinaryValue,
		bacnet.ObjectTypeMultiStateOutput, bacnet.ObjectTypeMultiStateValue:
		return true
	}
	return false
}
