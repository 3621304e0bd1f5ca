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

package bacnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// COVHandler is called when a COV notification is received. It runs on
// the receive goroutine and must not block.
type COVHandler func(deviceID uint32, objectID ObjectIdentifier, values []PropertyValue)

type callResult struct {
	apdu APDU
	err  error
}

// call is one outstanding confirmed request
type call struct {
	info RequestInfo
	addr *net.UDPAddr
	dest *Address
	done chan callResult
}

func (cl *call) deliver(res callResult) {
	select {
	case cl.done <- res:
	default:
	}
}

// Client is a BACnet/IP client. Confirmed requests draw invoke IDs from a
// RequestStore, segmented answers are rebuilt by a Reassembler, and callers
// that issue many requests per device pace them through Flow.
type Client struct {
	opts      *options
	transport *transport.UDPTransport

	state atomic.Int32

	store    *RequestStore
	flows    *FlowSet
	segments *Reassembler

	pendingMu sync.Mutex
	pending   map[uint8]*call

	devicesMu sync.RWMutex
	devices   map[uint32]*DeviceInfo

	listenersMu  sync.Mutex
	listeners    map[int]func(DeviceInfo)
	nextListener int

	covMu     sync.RWMutex
	covSubs   map[uint32]COVHandler
	nextSubID atomic.Uint32

	metrics *Metrics
	logger  *slog.Logger

	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// NewClient creates a new BACnet client
func NewClient(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.port < 0 || o.port > 0xFFFF {
		return nil, fmt.Errorf("invalid port %d", o.port)
	}

	c := &Client{
		opts:      o,
		pending:   make(map[uint8]*call),
		devices:   make(map[uint32]*DeviceInfo),
		listeners: make(map[int]func(DeviceInfo)),
		covSubs:   make(map[uint32]COVHandler),
		flows:     NewFlowSet(o.flow, o.logger),
		metrics:   NewMetrics(),
		logger:    o.logger,
	}

	c.transport = transport.NewUDPTransport(net.JoinHostPort(o.localAddress, strconv.Itoa(o.port)))
	c.transport.SetWriteTimeout(o.timeout)
	return c, nil
}

// Connect opens the socket and starts the receive loop
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	if err := c.transport.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("open transport: %w", err)
	}

	c.store = NewRequestStore(c.opts.invokeCapacity, c.opts.timeout, c.logger)
	c.segments = NewReassembler()

	var rctx context.Context
	rctx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver(rctx)

	c.state.Store(int32(StateConnected))
	c.logger.Info("connected",
		slog.String("local_addr", c.transport.LocalAddr().String()),
	)
	return nil
}

// Close stops the receive loop, cancels every request timer and closes the
// socket. Outstanding requests fail with ErrConnectionClosed.
func (c *Client) Close() error {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return nil
	}

	c.receiverCancel()
	<-c.receiverDone

	c.store.Close()
	c.flows.Close()

	c.pendingMu.Lock()
	for id, cl := range c.pending {
		cl.deliver(callResult{err: ErrConnectionClosed})
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// LocalAddr returns the bound UDP address
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.transport.LocalAddr()
}

// Flow returns the pacing flow of a device
func (c *Client) Flow(deviceID uint32) *Flow {
	return c.flows.Get(deviceID)
}

// AverageResponseTime returns the running average over completed requests
func (c *Client) AverageResponseTime() time.Duration {
	if c.store == nil {
		return 0
	}
	return c.store.AverageResponseTime()
}

func (c *Client) receiver(ctx context.Context) {
	defer close(c.receiverDone)

	for {
		dg, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			c.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		c.metrics.BytesReceived.Add(int64(len(dg.Data)))
		c.metrics.RecordActivity()

		c.handleDatagram(dg)
	}
}

// handleDatagram processes one datagram to completion
func (c *Client) handleDatagram(dg transport.Datagram) {
	frame, err := DecodeFrame(dg.Data)
	peer := dg.Src
	if frame != nil && frame.BVLC.Origin != nil {
		peer = frame.BVLC.Origin
	}
	if err != nil {
		c.metrics.DecodeFaults.Inc()
		c.logger.Debug("decode fault",
			slog.String("src", dg.Src.String()),
			slog.String("error", err.Error()),
		)
		c.salvage(frame, peer, err)
		return
	}
	if frame.APDU == nil {
		return
	}

	switch p := frame.APDU.(type) {
	case *UnconfirmedRequest:
		c.handleUnconfirmed(p, frame.NPDU, peer)
	case *ComplexACK:
		c.handleComplexACK(p, peer)
	case *SimpleACK:
		c.metrics.ResponsesReceived.Inc()
		c.complete(p.InvokeID, peer, callResult{apdu: p})
	case *ErrorPDU:
		c.metrics.ErrorsReceived.Inc()
		c.complete(p.InvokeID, peer, callResult{err: p.Err()})
	case *RejectPDU:
		c.metrics.RejectsReceived.Inc()
		c.complete(p.InvokeID, peer, callResult{err: p.Err()})
	case *AbortPDU:
		c.metrics.AbortsReceived.Inc()
		c.complete(p.InvokeID, peer, callResult{err: p.Err()})
	case *ConfirmedRequest:
		reject := &RejectPDU{InvokeID: p.InvokeID, Reason: RejectReasonUnrecognizedService}
		if err := c.sendAPDU(context.Background(), peer, frame.NPDU.Src, reject, false); err != nil {
			c.logger.Debug("send reject failed", slog.String("error", err.Error()))
		}
	}
}

// salvage fails the matching request when a response decoded far enough
// to carry its invoke ID; anything else is dropped
func (c *Client) salvage(frame *Frame, peer *net.UDPAddr, err error) {
	if frame == nil || frame.APDU == nil {
		return
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Field == "meta" || de.Field == "invoke-id" {
		return
	}
	switch frame.APDU.(type) {
	case *SimpleACK, *ComplexACK, *ErrorPDU, *RejectPDU, *AbortPDU:
	default:
		return
	}
	id, _ := InvokeIDOf(frame.APDU)
	c.complete(id, peer, callResult{err: err})
}

func (c *Client) handleComplexACK(p *ComplexACK, peer *net.UDPAddr) {
	if p.Segmented {
		c.metrics.SegmentsReceived.Inc()

		c.pendingMu.Lock()
		cl, ok := c.pending[p.InvokeID]
		c.pendingMu.Unlock()
		if !ok || !sameHost(cl.addr, peer) {
			return
		}

		complete, ack, err := c.segments.Accept(p)
		if ack != nil {
			if ack.Negative {
				c.metrics.SegmentNAKs.Inc()
			}
			if err := c.sendAPDU(context.Background(), cl.addr, cl.dest, ack, false); err != nil {
				c.logger.Debug("send segment ack failed", slog.String("error", err.Error()))
			}
		}
		if complete == nil {
			return
		}
		if err != nil {
			c.metrics.DecodeFaults.Inc()
			c.complete(p.InvokeID, peer, callResult{err: err})
			return
		}
		p = complete
	}
	c.metrics.ResponsesReceived.Inc()
	c.complete(p.InvokeID, peer, callResult{apdu: p})
}

// complete routes a response to its request, releasing the invoke ID
func (c *Client) complete(id uint8, peer *net.UDPAddr, res callResult) {
	c.pendingMu.Lock()
	cl, ok := c.pending[id]
	if !ok || !sameHost(cl.addr, peer) {
		c.pendingMu.Unlock()
		c.logger.Debug("unexpected response",
			slog.Uint64("invoke_id", uint64(id)),
			slog.String("src", peer.String()),
		)
		return
	}
	delete(c.pending, id)
	c.pendingMu.Unlock()

	avg, err := c.store.Release(id)
	if err != nil {
		c.logger.Error("release invoke ID", slog.Uint64("invoke_id", uint64(id)), slog.String("error", err.Error()))
	}
	c.segments.Drop(id)
	c.flows.Get(cl.info.Device).Observe(avg)
	cl.deliver(res)
}

// expire is the RequestStore timeout callback of cl
func (c *Client) expire(id uint8, cl *call) {
	c.pendingMu.Lock()
	if c.pending[id] == cl {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	c.segments.Drop(id)
	cl.deliver(callResult{err: ErrTimeout})
}

// abandon gives up on cl after a send failure or cancellation
func (c *Client) abandon(id uint8, cl *call) {
	c.pendingMu.Lock()
	owned := c.pending[id] == cl
	if owned {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if owned {
		c.store.Release(id)
		c.segments.Drop(id)
	}
}

func sameHost(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP)
}

func (c *Client) handleUnconfirmed(p *UnconfirmedRequest, npdu *NPDU, peer *net.UDPAddr) {
	switch s := p.Service.(type) {
	case *IAm:
		c.handleIAm(s, npdu, peer)
	case *COVNotification:
		c.metrics.COVNotifications.Inc()
		c.covMu.RLock()
		handler := c.covSubs[s.SubscriberProcessID]
		c.covMu.RUnlock()
		if handler != nil {
			handler(s.InitiatingDevice.Instance, s.MonitoredObject, s.Values)
		}
	}
}

func (c *Client) handleIAm(s *IAm, npdu *NPDU, peer *net.UDPAddr) {
	c.metrics.IAmReceived.Inc()
	if s.ObjectID.Type != ObjectTypeDevice {
		return
	}

	addr := AddressFromUDP(peer)
	if npdu != nil && npdu.Src != nil {
		addr = *npdu.Src
	}
	dev := &DeviceInfo{
		ObjectID:      s.ObjectID,
		Address:       addr,
		UDPAddr:       peer,
		MaxAPDULength: s.MaxAPDULength,
		Segmentation:  s.Segmentation,
		VendorID:      s.VendorID,
	}

	c.devicesMu.Lock()
	_, exists := c.devices[s.ObjectID.Instance]
	c.devices[s.ObjectID.Instance] = dev
	c.devicesMu.Unlock()

	if !exists {
		c.metrics.DevicesDiscovered.Inc()
		c.logger.Debug("device discovered",
			slog.Uint64("device_id", uint64(s.ObjectID.Instance)),
			slog.String("address", addr.String()),
			slog.Uint64("vendor_id", uint64(s.VendorID)),
		)
	}

	c.listenersMu.Lock()
	listeners := make([]func(DeviceInfo), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(*dev)
	}
}

func (c *Client) addListener(fn func(DeviceInfo)) (remove func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// sendAPDU sends p to addr, routing through dest when it is on a remote network
func (c *Client) sendAPDU(ctx context.Context, addr *net.UDPAddr, dest *Address, p APDU, expectingReply bool) error {
	frame := encodeRoutedFrame(dest, c.opts.networkNumber, p, expectingReply)
	if err := c.transport.Send(ctx, addr, frame); err != nil {
		return err
	}
	c.metrics.BytesSent.Add(int64(len(frame)))
	return nil
}

// request sends a confirmed service and waits for its answer, retrying
// after timeouts
func (c *Client) request(ctx context.Context, dev *DeviceInfo, info RequestInfo, svc ConfirmedService) (APDU, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.retries; attempt++ {
		if attempt > 0 {
			c.metrics.RequestsRetried.Inc()
			c.logger.Debug("retrying request",
				slog.String("service", info.ServiceChoice.String()),
				slog.Uint64("device", uint64(info.Device)),
				slog.Int("attempt", attempt),
			)
			select {
			case <-time.After(c.opts.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := c.requestOnce(ctx, dev, info, svc)
		if err == nil || !IsTimeout(err) {
			return resp, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) requestOnce(ctx context.Context, dev *DeviceInfo, info RequestInfo, svc ConfirmedService) (APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	cl := &call{info: info, addr: dev.UDPAddr, dest: &dev.Address, done: make(chan callResult, 1)}
	info.OnTimeout = func(id uint8) { c.expire(id, cl) }

	if c.store.Available() == 0 {
		c.metrics.InvokeQueueWaits.Inc()
	}
	id, err := c.store.Register(ctx, info)
	if err != nil {
		return nil, err
	}
	c.pendingMu.Lock()
	c.pending[id] = cl
	c.pendingMu.Unlock()

	req := &ConfirmedRequest{
		SegmentedResponseAccepted: c.opts.segmentation == SegmentationBoth || c.opts.segmentation == SegmentationReceive,
		MaxSegments:               EncodeMaxSegments(64),
		MaxResponseSize:           EncodeMaxAPDU(c.opts.maxAPDULength),
		InvokeID:                  id,
		ServiceChoice:             svc.ServiceChoice(),
		Service:                   svc,
	}

	start := time.Now()
	c.metrics.RequestsSent.Inc()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()

	if err := c.sendAPDU(ctx, cl.addr, cl.dest, req, true); err != nil {
		c.abandon(id, cl)
		c.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case res := <-cl.done:
		c.metrics.RequestLatency.Record(time.Since(start))
		switch {
		case res.err == nil:
			c.metrics.RequestsSucceeded.Inc()
		case IsTimeout(res.err):
			c.metrics.RequestsTimedOut.Inc()
		default:
			c.metrics.RequestsFailed.Inc()
		}
		return res.apdu, res.err
	case <-ctx.Done():
		c.abandon(id, cl)
		return nil, ctx.Err()
	}
}

// WhoIs broadcasts a Who-Is (or unicasts it to DiscoverOptions.Target) and
// collects I-Am answers until the discovery timeout. Devices are sorted by
// instance.
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) ([]*DeviceInfo, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	options := defaultDiscoverOptions()
	for _, opt := range opts {
		opt(options)
	}

	who := &WhoIs{Low: options.LowLimit, High: options.HighLimit}
	var mu sync.Mutex
	found := make(map[uint32]*DeviceInfo)
	remove := c.addListener(func(dev DeviceInfo) {
		if !who.Matches(dev.ObjectID.Instance) {
			return
		}
		mu.Lock()
		_, seen := found[dev.ObjectID.Instance]
		found[dev.ObjectID.Instance] = &dev
		mu.Unlock()
		if !seen && options.OnDevice != nil {
			options.OnDevice(dev)
		}
	})
	defer remove()

	if err := c.sendWhoIs(ctx, who, options.Target); err != nil {
		return nil, fmt.Errorf("send who-is: %w", err)
	}
	c.metrics.WhoIsSent.Inc()

	timer := time.NewTimer(options.Timeout)
	defer timer.Stop()
	var err error
	select {
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	mu.Lock()
	devices := make([]*DeviceInfo, 0, len(found))
	for _, dev := range found {
		devices = append(devices, dev)
	}
	mu.Unlock()
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})
	return devices, err
}

func (c *Client) sendWhoIs(ctx context.Context, who *WhoIs, target string) error {
	p := &UnconfirmedRequest{ServiceChoice: ServiceWhoIs, Service: who}
	if target != "" {
		addr, err := c.ResolveAddress(target)
		if err != nil {
			return err
		}
		return c.sendAPDU(ctx, addr, nil, p, false)
	}
	frame := EncodeAPDUFrame(BVLCOriginalBroadcastNPDU, NewNPDU(false), p)
	if err := c.transport.Broadcast(ctx, c.opts.broadcastAddress, c.opts.peerPort, frame); err != nil {
		return err
	}
	c.metrics.BytesSent.Add(int64(len(frame)))
	return nil
}

// ResolveAddress parses "host" or "host:port"; the peer port is assumed
// when none is given
func (c *Client) ResolveAddress(s string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(c.opts.peerPort))
	}
	return net.ResolveUDPAddr("udp4", s)
}

// Devices returns every device seen so far
func (c *Client) Devices() []*DeviceInfo {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	devices := make([]*DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ObjectID.Instance < devices[j].ObjectID.Instance
	})
	return devices
}

// GetDevice returns information about a discovered device
func (c *Client) GetDevice(deviceID uint32) (*DeviceInfo, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	dev, ok := c.devices[deviceID]
	return dev, ok
}

// AddDevice registers a device reached at addr without discovery
func (c *Client) AddDevice(deviceID uint32, addr *net.UDPAddr) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	c.devices[deviceID] = &DeviceInfo{
		ObjectID:      NewObjectIdentifier(ObjectTypeDevice, deviceID),
		Address:       AddressFromUDP(addr),
		UDPAddr:       addr,
		MaxAPDULength: MaxAPDULength,
		Segmentation:  SegmentationNone,
	}
}

func (c *Client) resolveDevice(ctx context.Context, deviceID uint32) (*DeviceInfo, error) {
	if dev, ok := c.GetDevice(deviceID); ok {
		return dev, nil
	}
	if _, err := c.WhoIs(ctx, WithDeviceRange(deviceID, deviceID), WithDiscoveryTimeout(2*time.Second)); err != nil {
		return nil, err
	}
	if dev, ok := c.GetDevice(deviceID); ok {
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, deviceID)
}

func (c *Client) readProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, index *uint32) (*ReadPropertyACK, error) {
	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	req := &ReadPropertyRequest{ObjectID: objectID, PropertyID: propertyID, ArrayIndex: index}
	info := RequestInfo{
		ServiceChoice: ServiceReadProperty,
		Device:        deviceID,
		Address:       dev.Address.String(),
		ObjectID:      objectID,
		PropertyID:    propertyID,
	}
	resp, err := c.request(ctx, dev, info, req)
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(*ComplexACK)
	if !ok {
		return nil, fmt.Errorf("%w: %s to read-property", ErrInvalidResponse, resp.Type())
	}
	rp, ok := ack.Service.(*ReadPropertyACK)
	if !ok {
		return nil, fmt.Errorf("%w: %s body in read-property ack", ErrInvalidResponse, ack.ServiceChoice)
	}
	return rp, nil
}

// ReadProperty reads a property and returns its first value
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) (Value, error) {
	values, err := c.ReadPropertyList(ctx, deviceID, objectID, propertyID, opts...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty value list", ErrInvalidResponse)
	}
	return values[0], nil
}

// ReadPropertyList reads a property and returns every value, e.g. all
// elements of an array property
func (c *Client) ReadPropertyList(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) ([]Value, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		opt(options)
	}
	ack, err := c.readProperty(ctx, deviceID, objectID, propertyID, options.ArrayIndex)
	if err != nil {
		return nil, err
	}
	return ack.Values, nil
}

// PropertyResult is the outcome of one property read
type PropertyResult struct {
	PropertyID PropertyIdentifier
	Values     []Value
	Err        error
}

// ReadObject reads several properties of one object in sequence. A failed
// property does not stop the others.
func (c *Client) ReadObject(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, props ...PropertyIdentifier) []PropertyResult {
	results := make([]PropertyResult, 0, len(props))
	for _, prop := range props {
		values, err := c.ReadPropertyList(ctx, deviceID, objectID, prop)
		results = append(results, PropertyResult{PropertyID: prop, Values: values, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// WriteProperty writes value to a property
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, value Value, opts ...WriteOption) error {
	options := &WriteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	req := &WritePropertyRequest{
		ObjectID:   objectID,
		PropertyID: propertyID,
		ArrayIndex: options.ArrayIndex,
		Values:     []Value{value},
		Priority:   options.Priority,
	}
	info := RequestInfo{
		ServiceChoice: ServiceWriteProperty,
		Device:        deviceID,
		Address:       dev.Address.String(),
		ObjectID:      objectID,
		PropertyID:    propertyID,
	}
	resp, err := c.request(ctx, dev, info, req)
	if err != nil {
		return err
	}
	if _, ok := resp.(*SimpleACK); !ok {
		return fmt.Errorf("%w: %s to write-property", ErrInvalidResponse, resp.Type())
	}
	return nil
}

// SubscribeCOV subscribes to unconfirmed COV notifications of an object
// and returns the subscriber process ID
func (c *Client) SubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, handler COVHandler, opts ...SubscribeOption) (uint32, error) {
	options := &SubscribeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	subID := c.nextSubID.Add(1)
	confirmed := false
	req := &SubscribeCOVRequest{
		SubscriberProcessID: subID,
		MonitoredObject:     objectID,
		IssueConfirmed:      &confirmed,
		Lifetime:            options.Lifetime,
	}

	// The initial notification may arrive right behind the ACK
	c.covMu.Lock()
	c.covSubs[subID] = handler
	c.covMu.Unlock()

	info := RequestInfo{
		ServiceChoice: ServiceSubscribeCOV,
		Device:        deviceID,
		Address:       dev.Address.String(),
		ObjectID:      objectID,
		PropertyID:    PropertyPresentValue,
	}
	if _, err := c.request(ctx, dev, info, req); err != nil {
		c.covMu.Lock()
		delete(c.covSubs, subID)
		c.covMu.Unlock()
		return 0, err
	}

	c.metrics.COVSubscriptions.Inc()
	c.metrics.ActiveSubscriptions.Inc()
	return subID, nil
}

// UnsubscribeCOV cancels a subscription
func (c *Client) UnsubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, subID uint32) error {
	dev, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	req := &SubscribeCOVRequest{SubscriberProcessID: subID, MonitoredObject: objectID}
	info := RequestInfo{
		ServiceChoice: ServiceSubscribeCOV,
		Device:        deviceID,
		Address:       dev.Address.String(),
		ObjectID:      objectID,
	}
	_, err = c.request(ctx, dev, info, req)

	c.covMu.Lock()
	if _, ok := c.covSubs[subID]; ok {
		delete(c.covSubs, subID)
		c.metrics.ActiveSubscriptions.Dec()
	}
	c.covMu.Unlock()
	return err
}

// GetObjectList retrieves the object list of a device. The whole array is
// read at once; when the device cannot segment the answer, each element is
// read by index.
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	device := NewObjectIdentifier(ObjectTypeDevice, deviceID)

	values, err := c.ReadPropertyList(ctx, deviceID, device, PropertyObjectList)
	if err == nil {
		return objectIdentifiers(values), nil
	}
	if !IsSegmentationRefused(err) {
		return nil, err
	}
	c.logger.Debug("object list too large, reading by index", slog.Uint64("device_id", uint64(deviceID)))

	lengthVal, err := c.ReadProperty(ctx, deviceID, device, PropertyObjectList, WithArrayIndex(0))
	if err != nil {
		return nil, err
	}
	length, ok := lengthVal.(Unsigned)
	if !ok {
		return nil, fmt.Errorf("%w: object-list length is %s", ErrInvalidResponse, lengthVal.Tag())
	}

	// Instance numbers are 22 bits, so no device holds more objects than that
	if length > MaxInstance {
		return nil, fmt.Errorf("%w: object-list length %d", ErrInvalidResponse, length)
	}

	objects := make([]ObjectIdentifier, 0, min(length, 1024))
	for i := uint32(1); i <= uint32(length); i++ {
		val, err := c.ReadProperty(ctx, deviceID, device, PropertyObjectList, WithArrayIndex(i))
		if err != nil {
			if ctx.Err() != nil {
				return objects, ctx.Err()
			}
			c.logger.Warn("object list element unreadable",
				slog.Uint64("device_id", uint64(deviceID)),
				slog.Uint64("index", uint64(i)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if oid, ok := val.(ObjectIdentifier); ok {
			objects = append(objects, oid)
		}
	}
	return objects, nil
}

func objectIdentifiers(values []Value) []ObjectIdentifier {
	out := make([]ObjectIdentifier, 0, len(values))
	for _, v := range values {
		if oid, ok := v.(ObjectIdentifier); ok {
			out = append(out, oid)
		}
	}
	return out
}
