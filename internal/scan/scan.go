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

// Package scan discovers devices, walks their object lists and collects
// the properties an EDE file needs.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeo-scada/bacnet-ede/bacnet"
	"github.com/edgeo-scada/bacnet-ede/internal/ede"
)

// Client is the part of bacnet.Client a scan drives
type Client interface {
	WhoIs(ctx context.Context, opts ...bacnet.DiscoverOption) ([]*bacnet.DeviceInfo, error)
	GetObjectList(ctx context.Context, deviceID uint32) ([]bacnet.ObjectIdentifier, error)
	ReadPropertyList(ctx context.Context, deviceID uint32, objectID bacnet.ObjectIdentifier, propertyID bacnet.PropertyIdentifier, opts ...bacnet.ReadOption) ([]bacnet.Value, error)
	Flow(deviceID uint32) *bacnet.Flow
}

// Options configures a scan
type Options struct {
	// Budget is the wall-clock limit of the whole scan. When it runs out
	// the scan stops and whatever was collected is kept.
	Budget time.Duration
	// WhoIsWindow is how long I-Am answers are collected
	WhoIsWindow time.Duration
	// Low and High restrict the device instance range when both are set
	Low, High *uint32
	// Target sends the WhoIs to one address instead of broadcasting
	Target     string
	Properties []bacnet.PropertyIdentifier
	Logger     *slog.Logger
}

// Result summarizes a finished scan
type Result struct {
	ID      string
	Devices []*bacnet.DeviceInfo
	Summary Snapshot
	// Partial is set when the budget ran out before every read finished
	Partial bool
}

// Scanner runs one scan session
type Scanner struct {
	client   Client
	opts     Options
	id       string
	store    *ede.Store
	progress *Progress
	logger   *slog.Logger
}

// New creates a scanner with a fresh session ID
func New(client Client, opts Options) *Scanner {
	if opts.Budget <= 0 {
		opts.Budget = 30 * time.Second
	}
	if opts.WhoIsWindow <= 0 || opts.WhoIsWindow > opts.Budget {
		opts.WhoIsWindow = min(5*time.Second, opts.Budget/4)
	}
	if len(opts.Properties) == 0 {
		opts.Properties = ede.Properties
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Scanner{
		client:   client,
		opts:     opts,
		id:       id,
		store:    ede.NewStore(),
		progress: NewProgress(),
		logger:   opts.Logger.With(slog.String("scan_id", id)),
	}
}

// ID returns the session ID
func (s *Scanner) ID() string { return s.id }

// Store returns the collected values
func (s *Scanner) Store() *ede.Store { return s.store }

// Progress returns the live bookkeeping
func (s *Scanner) Progress() *Progress { return s.progress }

// Run discovers devices and reads every object of each. Per-object and
// per-device failures are counted, not returned; the error is reserved for
// a discovery that could not be sent.
func (s *Scanner) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Budget)
	defer cancel()

	s.logger.Info("scan started", slog.Duration("budget", s.opts.Budget))

	discover := []bacnet.DiscoverOption{
		bacnet.WithDiscoveryTimeout(s.opts.WhoIsWindow),
		bacnet.WithDeviceCallback(func(dev bacnet.DeviceInfo) {
			s.progress.AddDevice(dev.ObjectID.Instance)
		}),
	}
	if s.opts.Low != nil && s.opts.High != nil {
		discover = append(discover, bacnet.WithDeviceRange(*s.opts.Low, *s.opts.High))
	}
	if s.opts.Target != "" {
		discover = append(discover, bacnet.WithDiscoveryTarget(s.opts.Target))
	}

	devices, err := s.client.WhoIs(ctx, discover...)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	s.logger.Info("discovery finished", slog.Int("devices", len(devices)))

	var wg sync.WaitGroup
	for _, dev := range devices {
		s.progress.AddDevice(dev.ObjectID.Instance)
		wg.Add(1)
		go func(dev *bacnet.DeviceInfo) {
			defer wg.Done()
			s.scanDevice(ctx, dev)
		}(dev)
	}
	wg.Wait()

	res := &Result{
		ID:      s.id,
		Devices: devices,
		Summary: s.progress.Snapshot(),
		Partial: ctx.Err() != nil,
	}
	s.logger.Info("scan finished",
		slog.Int("objects", res.Summary.Objects),
		slog.Int("done", res.Summary.Done),
		slog.Int("failed", res.Summary.Failed),
		slog.Bool("partial", res.Partial),
	)
	return res, nil
}

func (s *Scanner) scanDevice(ctx context.Context, dev *bacnet.DeviceInfo) {
	instance := dev.ObjectID.Instance
	address := dev.Address.String()
	if dev.UDPAddr != nil {
		address = dev.UDPAddr.String()
	}
	s.store.AddDevice(instance, address)
	s.store.AddObject(instance, dev.ObjectID)

	objects, err := s.client.GetObjectList(ctx, instance)
	if err != nil {
		s.progress.DeviceFailed(instance, err)
		s.logger.Warn("object list unreadable",
			slog.Uint64("device_id", uint64(instance)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.progress.SetObjects(instance, len(objects))
	s.logger.Debug("object list read",
		slog.Uint64("device_id", uint64(instance)),
		slog.Int("objects", len(objects)),
	)

	flow := s.client.Flow(instance)
	for _, oid := range objects {
		s.store.AddObject(instance, oid)
		flow.Push(func() {
			s.progress.ObjectDone(instance, !s.readObject(ctx, instance, oid))
		})
	}
	if err := flow.Wait(ctx); err != nil {
		// Queued reads must not start once the result is being built
		dropped := flow.Drop()
		for range dropped {
			s.progress.ObjectDone(instance, true)
		}
		// In-flight reads share ctx and return promptly
		_ = flow.Wait(context.Background())
		s.logger.Warn("scan budget exhausted",
			slog.Uint64("device_id", uint64(instance)),
			slog.Int("dropped", dropped),
		)
	}
}

// readObject reads the EDE properties of one object. It reports false when
// a read failed for any reason other than the property being absent.
func (s *Scanner) readObject(ctx context.Context, instance uint32, oid bacnet.ObjectIdentifier) bool {
	ok := true
	for _, prop := range s.opts.Properties {
		if ctx.Err() != nil {
			return false
		}
		values, err := s.client.ReadPropertyList(ctx, instance, oid, prop)
		switch {
		case err == nil:
			if len(values) > 0 {
				s.store.Put(instance, oid, prop, values[0])
			}
		case bacnet.IsPropertyNotFound(err):
		default:
			ok = false
			s.logger.Debug("property read failed",
				slog.Uint64("device_id", uint64(instance)),
				slog.String("object", oid.String()),
				slog.String("property", prop.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return ok
}

// Export writes one EDE file per scanned device
func (s *Scanner) Export(dir, prefix string, h ede.Header) ([]string, error) {
	h.ScanID = s.id
	return s.store.Export(dir, prefix, h)
}
