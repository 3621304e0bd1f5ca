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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/bacnet-ede/bacnet/internal/transport"
)

// ObjectDatabase is the object model a Server exposes. Errors should be
// *BACnetError values; anything else is reported as device/other.
type ObjectDatabase interface {
	// DeviceObject returns the identifier of the device object
	DeviceObject() ObjectIdentifier
	ReadProperty(objectID ObjectIdentifier, propertyID PropertyIdentifier, index *uint32) ([]Value, error)
	WriteProperty(objectID ObjectIdentifier, propertyID PropertyIdentifier, index *uint32, values []Value, priority *uint8) error
}

type subscriptionKey struct {
	peer      string
	processID uint32
	object    ObjectIdentifier
}

type subscription struct {
	key     subscriptionKey
	addr    *net.UDPAddr
	src     *Address
	expires time.Time // zero for indefinite
	timer   *time.Timer
}

func (s *subscription) remaining() uint32 {
	if s.expires.IsZero() {
		return 0
	}
	d := time.Until(s.expires)
	if d <= 0 {
		return 0
	}
	return uint32((d + time.Second - 1) / time.Second)
}

type segmentKey struct {
	peer     string
	invokeID uint8
}

// segmentedResponse is a ComplexACK being sent in windows
type segmentedResponse struct {
	addr   *net.UDPAddr
	src    *Address
	ack    *ComplexACK
	chunks [][]byte
	acks   chan *SegmentACK
}

// Server answers BACnet/IP requests on behalf of a single device
type Server struct {
	opts      *options
	transport *transport.UDPTransport
	db        ObjectDatabase

	running atomic.Bool

	mu       sync.Mutex
	subs     map[subscriptionKey]*subscription
	segments map[segmentKey]*segmentedResponse

	metrics *Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for db
func NewServer(db ObjectDatabase, opts ...Option) (*Server, error) {
	if db == nil {
		return nil, errors.New("nil object database")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.port < 0 || o.port > 0xFFFF {
		return nil, fmt.Errorf("invalid port %d", o.port)
	}

	s := &Server{
		opts:     o,
		db:       db,
		subs:     make(map[subscriptionKey]*subscription),
		segments: make(map[segmentKey]*segmentedResponse),
		metrics:  NewMetrics(),
		logger:   o.logger.With(slog.String("device", db.DeviceObject().String())),
	}
	s.transport = transport.NewUDPTransport(net.JoinHostPort(o.localAddress, strconv.Itoa(o.port)))
	s.transport.SetWriteTimeout(o.timeout)
	if ip := net.ParseIP(o.broadcastAddress); ip != nil {
		s.transport.AddBroadcast(ip)
	}
	return s, nil
}

// Start opens the socket and serves requests until Close
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	if err := s.transport.Open(ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("open transport: %w", err)
	}

	var rctx context.Context
	rctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.receiver(rctx)

	s.logger.Info("server started", slog.String("local_addr", s.transport.LocalAddr().String()))
	return nil
}

// Close stops serving and drops every subscription
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for key, sub := range s.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		delete(s.subs, key)
	}
	s.mu.Unlock()
	s.metrics.ActiveSubscriptions.Set(0)

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// LocalAddr returns the bound UDP address
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.transport.LocalAddr()
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Subscriptions returns the number of active COV subscriptions
func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Announce broadcasts an unsolicited I-Am
func (s *Server) Announce(ctx context.Context) error {
	frame := EncodeAPDUFrame(BVLCOriginalBroadcastNPDU, NewNPDU(false), &UnconfirmedRequest{ServiceChoice: ServiceIAm, Service: s.iAm()})
	if err := s.transport.Broadcast(ctx, s.opts.broadcastAddress, s.opts.peerPort, frame); err != nil {
		return fmt.Errorf("broadcast i-am: %w", err)
	}
	s.metrics.BytesSent.Add(int64(len(frame)))
	return nil
}

func (s *Server) receiver(ctx context.Context) {
	defer s.wg.Done()

	for {
		dg, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			s.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}
		s.metrics.BytesReceived.Add(int64(len(dg.Data)))
		s.metrics.RecordActivity()
		s.handleDatagram(ctx, dg)
	}
}

func (s *Server) handleDatagram(ctx context.Context, dg transport.Datagram) {
	frame, err := DecodeFrame(dg.Data)
	peer := dg.Src
	if frame != nil && frame.BVLC.Origin != nil {
		peer = frame.BVLC.Origin
	}
	if err != nil {
		s.metrics.DecodeFaults.Inc()
		s.logger.Debug("decode fault",
			slog.String("src", dg.Src.String()),
			slog.String("error", err.Error()),
		)
		if frame != nil {
			if req, ok := frame.APDU.(*ConfirmedRequest); ok {
				s.rejectMalformed(ctx, peer, frame.NPDU, req, err)
			}
		}
		return
	}
	if frame.APDU == nil {
		return
	}

	src := frame.NPDU.Src

	switch p := frame.APDU.(type) {
	case *UnconfirmedRequest:
		if who, ok := p.Service.(*WhoIs); ok {
			s.handleWhoIs(ctx, who, peer, src)
		}
	case *ConfirmedRequest:
		// Confirmed services are never broadcast
		if dg.IsBroadcast() {
			s.logger.Debug("ignoring broadcast confirmed request", slog.String("src", peer.String()))
			return
		}
		s.metrics.RequestsServed.Inc()
		s.handleConfirmed(ctx, p, peer, src)
	case *SegmentACK:
		s.handleSegmentACK(p, peer)
	}
}

// rejectMalformed answers a confirmed request whose service body could not
// be parsed
func (s *Server) rejectMalformed(ctx context.Context, peer *net.UDPAddr, npdu *NPDU, req *ConfirmedRequest, err error) {
	var de *DecodeError
	if !errors.As(err, &de) {
		return
	}
	switch de.Field {
	case "meta", "max-segments", "invoke-id":
		return
	}
	reason := RejectReasonInvalidTag
	switch {
	case errors.Is(err, ErrUnknownService):
		reason = RejectReasonUnrecognizedService
	case errors.Is(err, ErrShortBuffer):
		reason = RejectReasonMissingRequiredParameter
	}
	var src *Address
	if npdu != nil {
		src = npdu.Src
	}
	s.send(ctx, peer, src, &RejectPDU{InvokeID: req.InvokeID, Reason: reason})
}

func (s *Server) iAm() *IAm {
	device := s.db.DeviceObject()
	vendor := uint32(0)
	if values, err := s.db.ReadProperty(device, PropertyVendorIdentifier, nil); err == nil && len(values) > 0 {
		if u, ok := values[0].(Unsigned); ok {
			vendor = uint32(u)
		}
	}
	return &IAm{
		ObjectID:      device,
		MaxAPDULength: uint32(s.opts.maxAPDULength),
		Segmentation:  s.opts.segmentation,
		VendorID:      vendor,
	}
}

func (s *Server) handleWhoIs(ctx context.Context, who *WhoIs, peer *net.UDPAddr, src *Address) {
	if !who.Matches(s.db.DeviceObject().Instance) {
		return
	}
	s.logger.Debug("answering who-is", slog.String("peer", peer.String()))
	s.send(ctx, peer, src, &UnconfirmedRequest{ServiceChoice: ServiceIAm, Service: s.iAm()})
}

func (s *Server) handleConfirmed(ctx context.Context, p *ConfirmedRequest, peer *net.UDPAddr, src *Address) {
	if p.Segmented {
		s.send(ctx, peer, src, &AbortPDU{Server: true, InvokeID: p.InvokeID, Reason: AbortReasonSegmentationNotSupported})
		return
	}

	switch req := p.Service.(type) {
	case *ReadPropertyRequest:
		values, err := s.db.ReadProperty(req.ObjectID, req.PropertyID, req.ArrayIndex)
		if err != nil {
			s.sendError(ctx, peer, src, p, err)
			return
		}
		s.respond(ctx, peer, src, p, &ReadPropertyACK{
			ObjectID:   req.ObjectID,
			PropertyID: req.PropertyID,
			ArrayIndex: req.ArrayIndex,
			Values:     values,
		})
	case *WritePropertyRequest:
		if err := s.db.WriteProperty(req.ObjectID, req.PropertyID, req.ArrayIndex, req.Values, req.Priority); err != nil {
			s.sendError(ctx, peer, src, p, err)
			return
		}
		s.send(ctx, peer, src, &SimpleACK{InvokeID: p.InvokeID, ServiceChoice: ServiceWriteProperty})
	case *SubscribeCOVRequest:
		if err := s.subscribe(req, peer, src); err != nil {
			s.sendError(ctx, peer, src, p, err)
			return
		}
		s.send(ctx, peer, src, &SimpleACK{InvokeID: p.InvokeID, ServiceChoice: ServiceSubscribeCOV})
		if !req.IsCancellation() {
			s.notifyOne(ctx, subscriptionKey{peer: peer.String(), processID: req.SubscriberProcessID, object: req.MonitoredObject})
		}
	default:
		s.send(ctx, peer, src, &RejectPDU{InvokeID: p.InvokeID, Reason: RejectReasonUnrecognizedService})
	}
}

func (s *Server) sendError(ctx context.Context, peer *net.UDPAddr, src *Address, p *ConfirmedRequest, err error) {
	pdu := &ErrorPDU{InvokeID: p.InvokeID, ServiceChoice: p.ServiceChoice, Class: ErrorClassDevice, Code: ErrorCodeOther}
	var be *BACnetError
	if errors.As(err, &be) {
		pdu.Class = be.Class
		pdu.Code = be.Code
	} else {
		s.logger.Warn("request failed",
			slog.String("service", p.ServiceChoice.String()),
			slog.String("error", err.Error()),
		)
	}
	s.send(ctx, peer, src, pdu)
}

// respond sends ack as one ComplexACK when it fits the requester's limit,
// segmented when the requester accepts segments, and aborts otherwise
func (s *Server) respond(ctx context.Context, peer *net.UDPAddr, src *Address, p *ConfirmedRequest, svc ConfirmedService) {
	body := NewWriter()
	svc.encode(body)

	limit := int(DecodeMaxAPDU(p.MaxResponseSize))
	if own := int(s.opts.maxAPDULength); own < limit {
		limit = own
	}
	const header = 3
	if body.Len()+header <= limit {
		s.send(ctx, peer, src, &ComplexACK{InvokeID: p.InvokeID, ServiceChoice: p.ServiceChoice, Service: svc})
		return
	}

	canSegment := s.opts.segmentation == SegmentationBoth || s.opts.segmentation == SegmentationTransmit
	if !p.SegmentedResponseAccepted || !canSegment {
		s.send(ctx, peer, src, &AbortPDU{Server: true, InvokeID: p.InvokeID, Reason: AbortReasonSegmentationNotSupported})
		return
	}

	const segHeader = 5
	size := limit - segHeader
	data := body.Bytes()
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	maxSegs := int(maxSegmentsCodes[p.MaxSegments&0x07])
	if len(chunks) > 256 || (maxSegs != 0 && maxSegs < 65 && len(chunks) > maxSegs) {
		s.send(ctx, peer, src, &AbortPDU{Server: true, InvokeID: p.InvokeID, Reason: AbortReasonBufferOverflow})
		return
	}

	key := segmentKey{peer: peer.String(), invokeID: p.InvokeID}
	resp := &segmentedResponse{
		addr:   peer,
		src:    src,
		ack:    &ComplexACK{InvokeID: p.InvokeID, ServiceChoice: p.ServiceChoice},
		chunks: chunks,
		acks:   make(chan *SegmentACK, 4),
	}
	s.mu.Lock()
	if _, busy := s.segments[key]; busy {
		s.mu.Unlock()
		return
	}
	s.segments[key] = resp
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sendSegments(ctx, key, resp)
}

// sendSegments transmits resp window by window, resuming after the last
// sequence number the peer acknowledged. The first segment goes out alone;
// its acknowledgement carries the window the peer accepts.
func (s *Server) sendSegments(ctx context.Context, key segmentKey, resp *segmentedResponse) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.segments, key)
		s.mu.Unlock()
	}()

	proposed := max(s.opts.proposedWindowSize, 1)
	window := 1
	next, attempts := 0, 0
	for next < len(resp.chunks) {
		end := min(next+window, len(resp.chunks))
		for i := next; i < end; i++ {
			seg := *resp.ack
			seg.Segmented = true
			seg.MoreFollows = i < len(resp.chunks)-1
			seg.SequenceNumber = uint8(i)
			seg.ProposedWindowSize = proposed
			seg.Raw = resp.chunks[i]
			s.send(ctx, resp.addr, resp.src, &seg)
		}

		select {
		case ack := <-resp.acks:
			window = int(proposed)
			if ack.ActualWindowSize > 0 {
				window = int(ack.ActualWindowSize)
			}
			if idx := int(ack.SequenceNumber); idx >= next-1 && idx < end {
				if idx+1 > next {
					attempts = 0
				}
				next = idx + 1
			}
		case <-time.After(s.opts.timeout):
			attempts++
			if attempts > s.opts.retries {
				s.logger.Warn("segmented response abandoned",
					slog.String("peer", key.peer),
					slog.Uint64("invoke_id", uint64(key.invokeID)),
				)
				s.send(ctx, resp.addr, resp.src, &AbortPDU{Server: true, InvokeID: key.invokeID, Reason: AbortReasonTsmTimeout})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleSegmentACK(p *SegmentACK, peer *net.UDPAddr) {
	s.mu.Lock()
	resp, ok := s.segments[segmentKey{peer: peer.String(), invokeID: p.InvokeID}]
	s.mu.Unlock()
	if !ok {
		return
	}
	if p.Negative {
		s.metrics.SegmentNAKs.Inc()
	}
	select {
	case resp.acks <- p:
	default:
	}
}

func (s *Server) subscribe(req *SubscribeCOVRequest, peer *net.UDPAddr, src *Address) error {
	key := subscriptionKey{peer: peer.String(), processID: req.SubscriberProcessID, object: req.MonitoredObject}

	if req.IsCancellation() {
		s.unsubscribe(key)
		return nil
	}
	if req.IssueConfirmed != nil && *req.IssueConfirmed {
		return NewBACnetError(ErrorClassServices, ErrorCodeCovSubscriptionFailed)
	}
	if _, err := s.db.ReadProperty(req.MonitoredObject, PropertyPresentValue, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subs[key]
	if !exists {
		sub = &subscription{key: key}
		s.subs[key] = sub
		s.metrics.COVSubscriptions.Inc()
		s.metrics.ActiveSubscriptions.Inc()
	}
	sub.addr = peer
	sub.src = src
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	sub.expires = time.Time{}
	if req.Lifetime != nil && *req.Lifetime > 0 {
		lifetime := time.Duration(*req.Lifetime) * time.Second
		sub.expires = time.Now().Add(lifetime)
		sub.timer = time.AfterFunc(lifetime, func() {
			s.logger.Debug("subscription expired",
				slog.String("peer", key.peer),
				slog.Uint64("process_id", uint64(key.processID)),
			)
			s.expireSubscription(key, sub)
		})
	}
	return nil
}

func (s *Server) expireSubscription(key subscriptionKey, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[key] == sub {
		delete(s.subs, key)
		s.metrics.ActiveSubscriptions.Dec()
	}
}

func (s *Server) unsubscribe(key subscriptionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[key]; ok {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		delete(s.subs, key)
		s.metrics.ActiveSubscriptions.Dec()
	}
}

// Notify sends an unconfirmed COV notification to every subscriber of
// objectID. It is meant to be hooked to the object database's change
// callback.
func (s *Server) Notify(objectID ObjectIdentifier) {
	if !s.running.Load() {
		return
	}
	s.mu.Lock()
	var keys []subscriptionKey
	for key := range s.subs {
		if key.object == objectID {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.notifyOne(context.Background(), key)
	}
}

func (s *Server) notifyOne(ctx context.Context, key subscriptionKey) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	addr, src, remaining := sub.addr, sub.src, sub.remaining()
	s.mu.Unlock()

	n := &COVNotification{
		SubscriberProcessID: key.processID,
		InitiatingDevice:    s.db.DeviceObject(),
		MonitoredObject:     key.object,
		TimeRemaining:       remaining,
	}
	for _, prop := range []PropertyIdentifier{PropertyPresentValue, PropertyStatusFlags} {
		values, err := s.db.ReadProperty(key.object, prop, nil)
		if err != nil {
			continue
		}
		n.Values = append(n.Values, PropertyValue{ObjectID: key.object, PropertyID: prop, Values: values})
	}
	s.send(ctx, addr, src, &UnconfirmedRequest{ServiceChoice: ServiceUnconfirmedCOVNotification, Service: n})
	s.metrics.COVNotifications.Inc()
}

// send unicasts p to peer, routing through src when the request came from
// a remote network
func (s *Server) send(ctx context.Context, peer *net.UDPAddr, src *Address, p APDU) {
	frame := encodeRoutedFrame(src, s.opts.networkNumber, p, false)
	if err := s.transport.Send(ctx, peer, frame); err != nil {
		s.logger.Debug("send failed",
			slog.String("peer", peer.String()),
			slog.String("pdu", p.Type().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.BytesSent.Add(int64(len(frame)))
}
