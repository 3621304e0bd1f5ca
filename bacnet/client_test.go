package bacnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

const testDevice = 1234

// memDB is a small in-memory device with n analog values
type memDB struct {
	mu      sync.Mutex
	device  ObjectIdentifier
	objects []ObjectIdentifier
	props   map[ObjectIdentifier]map[PropertyIdentifier]Value
}

func newMemDB(n int) *memDB {
	db := &memDB{
		device: NewObjectIdentifier(ObjectTypeDevice, testDevice),
		props:  make(map[ObjectIdentifier]map[PropertyIdentifier]Value),
	}
	db.objects = append(db.objects, db.device)
	db.props[db.device] = map[PropertyIdentifier]Value{
		PropertyObjectName:       CharacterString("test-device"),
		PropertyVendorIdentifier: Unsigned(999),
	}
	for i := 0; i < n; i++ {
		oid := NewObjectIdentifier(ObjectTypeAnalogValue, uint32(i))
		db.objects = append(db.objects, oid)
		db.props[oid] = map[PropertyIdentifier]Value{
			PropertyObjectName:   CharacterString("av"),
			PropertyPresentValue: Real(float32(i)),
			PropertyStatusFlags:  StatusFlags{},
		}
	}
	return db
}

func (db *memDB) DeviceObject() ObjectIdentifier { return db.device }

func (db *memDB) ReadProperty(oid ObjectIdentifier, prop PropertyIdentifier, index *uint32) ([]Value, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	props, ok := db.props[oid]
	if !ok {
		return nil, NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	}
	if oid == db.device && prop == PropertyObjectList {
		switch {
		case index == nil:
			values := make([]Value, len(db.objects))
			for i, o := range db.objects {
				values[i] = o
			}
			return values, nil
		case *index == 0:
			return []Value{Unsigned(len(db.objects))}, nil
		case int(*index) <= len(db.objects):
			return []Value{db.objects[*index-1]}, nil
		default:
			return nil, NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
		}
	}
	v, ok := props[prop]
	if !ok {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	if index != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodePropertyIsNotAnArray)
	}
	return []Value{v}, nil
}

func (db *memDB) WriteProperty(oid ObjectIdentifier, prop PropertyIdentifier, index *uint32, values []Value, priority *uint8) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	props, ok := db.props[oid]
	if !ok {
		return NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	}
	if prop != PropertyPresentValue {
		return NewBACnetError(ErrorClassProperty, ErrorCodeWriteAccessDenied)
	}
	props[prop] = values[0]
	return nil
}

func startServer(t *testing.T, db ObjectDatabase, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLocalAddress("127.0.0.1"), WithPort(0), WithLogger(discardLogger())}, opts...)
	srv, err := NewServer(db, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func startClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLocalAddress("127.0.0.1"), WithPort(0), WithLogger(discardLogger()), WithTimeout(time.Second)}, opts...)
	c, err := NewClient(opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientReadWrite(t *testing.T) {
	srv := startServer(t, newMemDB(3))
	c := startClient(t)
	c.AddDevice(testDevice, srv.LocalAddr())
	ctx := testContext(t)

	av1 := NewObjectIdentifier(ObjectTypeAnalogValue, 1)
	v, err := c.ReadProperty(ctx, testDevice, av1, PropertyPresentValue)
	if err != nil {
		t.Fatalf("ReadProperty: %v", err)
	}
	if v != Real(1) {
		t.Fatalf("present value = %v, want 1", v)
	}

	if err := c.WriteProperty(ctx, testDevice, av1, PropertyPresentValue, Real(42.5), WithPriority(8)); err != nil {
		t.Fatalf("WriteProperty: %v", err)
	}
	if v, _ = c.ReadProperty(ctx, testDevice, av1, PropertyPresentValue); v != Real(42.5) {
		t.Fatalf("after write present value = %v", v)
	}

	err = c.WriteProperty(ctx, testDevice, av1, PropertyObjectName, CharacterString("x"))
	var be *BACnetError
	if !errors.As(err, &be) || be.Code != ErrorCodeWriteAccessDenied {
		t.Fatalf("write to read-only property err = %v", err)
	}

	if c.Metrics().RequestsSucceeded.Value() != 3 || srv.Metrics().RequestsServed.Value() != 4 {
		t.Fatalf("succeeded %d, served %d", c.Metrics().RequestsSucceeded.Value(), srv.Metrics().RequestsServed.Value())
	}
	if c.store.InFlight() != 0 {
		t.Fatalf("%d invoke IDs leaked", c.store.InFlight())
	}
}

func TestClientReadErrors(t *testing.T) {
	srv := startServer(t, newMemDB(1))
	c := startClient(t)
	c.AddDevice(testDevice, srv.LocalAddr())
	ctx := testContext(t)

	av0 := NewObjectIdentifier(ObjectTypeAnalogValue, 0)
	if _, err := c.ReadProperty(ctx, testDevice, av0, PropertyUnits); !IsPropertyNotFound(err) {
		t.Fatalf("missing property err = %v", err)
	}
	if _, err := c.ReadProperty(ctx, testDevice, NewObjectIdentifier(ObjectTypeAnalogInput, 9), PropertyPresentValue); !IsDeviceNotFound(err) {
		t.Fatalf("missing object err = %v", err)
	}

	results := c.ReadObject(ctx, testDevice, av0, PropertyObjectName, PropertyUnits, PropertyPresentValue)
	if len(results) != 3 {
		t.Fatalf("%d results", len(results))
	}
	if results[0].Err != nil || results[0].Values[0] != CharacterString("av") {
		t.Fatalf("object name result = %+v", results[0])
	}
	if results[1].Err == nil || results[2].Err != nil {
		t.Fatalf("a failed property must not stop the rest: %+v", results)
	}
}

func TestClientSegmentedObjectList(t *testing.T) {
	srv := startServer(t, newMemDB(600))
	c := startClient(t)
	c.AddDevice(testDevice, srv.LocalAddr())

	objects, err := c.GetObjectList(testContext(t), testDevice)
	if err != nil {
		t.Fatalf("GetObjectList: %v", err)
	}
	if len(objects) != 601 {
		t.Fatalf("got %d objects, want 601", len(objects))
	}
	if objects[600] != NewObjectIdentifier(ObjectTypeAnalogValue, 599) {
		t.Fatalf("last object = %v", objects[600])
	}
	if c.Metrics().SegmentsReceived.Value() < 2 {
		t.Fatalf("response was not segmented")
	}
}

func TestClientObjectListFallback(t *testing.T) {
	srv := startServer(t, newMemDB(60), WithMaxAPDULength(206))
	c := startClient(t, WithSegmentation(SegmentationNone))
	c.AddDevice(testDevice, srv.LocalAddr())

	objects, err := c.GetObjectList(testContext(t), testDevice)
	if err != nil {
		t.Fatalf("GetObjectList: %v", err)
	}
	if len(objects) != 61 || objects[0] != NewObjectIdentifier(ObjectTypeDevice, testDevice) {
		t.Fatalf("got %d objects", len(objects))
	}
	if c.Metrics().AbortsReceived.Value() != 1 {
		t.Fatalf("aborts = %d, want 1", c.Metrics().AbortsReceived.Value())
	}
}

// oversizedListDB claims an object list far larger than any device can hold
type oversizedListDB struct {
	*memDB
}

func (db oversizedListDB) ReadProperty(oid ObjectIdentifier, prop PropertyIdentifier, index *uint32) ([]Value, error) {
	if oid == db.device && prop == PropertyObjectList && index != nil && *index == 0 {
		return []Value{Unsigned(0xFFFFFFFF)}, nil
	}
	return db.memDB.ReadProperty(oid, prop, index)
}

func TestClientObjectListLengthBound(t *testing.T) {
	srv := startServer(t, oversizedListDB{newMemDB(60)}, WithMaxAPDULength(206))
	c := startClient(t, WithSegmentation(SegmentationNone))
	c.AddDevice(testDevice, srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	objects, err := c.GetObjectList(ctx, testDevice)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
	if objects != nil {
		t.Fatalf("got %d objects from an invalid list", len(objects))
	}
}

func TestClientWhoIsTarget(t *testing.T) {
	srv := startServer(t, newMemDB(0))
	c := startClient(t)

	var mu sync.Mutex
	streamed := 0
	devices, err := c.WhoIs(testContext(t),
		WithDiscoveryTarget(srv.LocalAddr().String()),
		WithDiscoveryTimeout(300*time.Millisecond),
		WithDeviceCallback(func(DeviceInfo) {
			mu.Lock()
			streamed++
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("WhoIs: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(devices) != 1 || streamed != 1 {
		t.Fatalf("found %d devices, streamed %d", len(devices), streamed)
	}
	dev := devices[0]
	if dev.ObjectID.Instance != testDevice || dev.VendorID != 999 || dev.UDPAddr.Port != srv.LocalAddr().Port {
		t.Fatalf("device = %+v", dev)
	}
	if _, ok := c.GetDevice(testDevice); !ok {
		t.Fatalf("device not registered")
	}

	devices, _ = c.WhoIs(testContext(t),
		WithDiscoveryTarget(srv.LocalAddr().String()),
		WithDeviceRange(1, 10),
		WithDiscoveryTimeout(100*time.Millisecond),
	)
	if len(devices) != 0 {
		t.Fatalf("device outside the range answered")
	}
}

func TestClientCOV(t *testing.T) {
	db := newMemDB(2)
	srv := startServer(t, db)
	c := startClient(t)
	c.AddDevice(testDevice, srv.LocalAddr())
	ctx := testContext(t)

	type note struct {
		device uint32
		value  Value
	}
	notes := make(chan note, 8)
	av1 := NewObjectIdentifier(ObjectTypeAnalogValue, 1)
	subID, err := c.SubscribeCOV(ctx, testDevice, av1, func(device uint32, oid ObjectIdentifier, values []PropertyValue) {
		for _, pv := range values {
			if pv.PropertyID == PropertyPresentValue && len(pv.Values) > 0 {
				notes <- note{device, pv.Values[0]}
			}
		}
	}, WithSubscriptionLifetime(60))
	if err != nil {
		t.Fatalf("SubscribeCOV: %v", err)
	}

	expect := func(want Value) {
		t.Helper()
		select {
		case n := <-notes:
			if n.device != testDevice || n.value != want {
				t.Fatalf("notification = %+v, want %v", n, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification for %v", want)
		}
	}
	expect(Real(1))

	db.WriteProperty(av1, PropertyPresentValue, nil, []Value{Real(7)}, nil)
	srv.Notify(av1)
	expect(Real(7))

	if err := c.UnsubscribeCOV(ctx, testDevice, av1, subID); err != nil {
		t.Fatalf("UnsubscribeCOV: %v", err)
	}
	if srv.Subscriptions() != 0 {
		t.Fatalf("server kept %d subscriptions", srv.Subscriptions())
	}
	srv.Notify(av1)
	select {
	case n := <-notes:
		t.Fatalf("notification after unsubscribe: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientRejectsMissingObjectSubscription(t *testing.T) {
	srv := startServer(t, newMemDB(0))
	c := startClient(t)
	c.AddDevice(testDevice, srv.LocalAddr())

	_, err := c.SubscribeCOV(testContext(t), testDevice, NewObjectIdentifier(ObjectTypeAnalogValue, 5), func(uint32, ObjectIdentifier, []PropertyValue) {})
	if !IsDeviceNotFound(err) {
		t.Fatalf("err = %v, want unknown-object", err)
	}
	if len(c.covSubs) != 0 {
		t.Fatalf("handler kept after failure")
	}
}

func TestClientTimeoutRetries(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	c := startClient(t, WithTimeout(50*time.Millisecond), WithRetries(1), WithRetryDelay(10*time.Millisecond))
	c.AddDevice(7, silent.LocalAddr().(*net.UDPAddr))

	_, err = c.ReadProperty(testContext(t), 7, NewObjectIdentifier(ObjectTypeDevice, 7), PropertyObjectName)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	m := c.Metrics()
	if m.RequestsRetried.Value() != 1 || m.RequestsTimedOut.Value() != 2 || m.RequestsSent.Value() != 2 {
		t.Fatalf("retried %d, timed out %d, sent %d", m.RequestsRetried.Value(), m.RequestsTimedOut.Value(), m.RequestsSent.Value())
	}
	waitFor(t, "slot release", func() bool { return c.store.InFlight() == 0 })
}

func TestClientCancelReleasesSlot(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	c := startClient(t, WithTimeout(5*time.Second))
	c.AddDevice(7, silent.LocalAddr().(*net.UDPAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ReadProperty(ctx, 7, NewObjectIdentifier(ObjectTypeDevice, 7), PropertyObjectName); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if c.store.InFlight() != 0 || len(c.pending) != 0 {
		t.Fatalf("cancelled request still registered")
	}
}

func TestClientNotConnected(t *testing.T) {
	c, err := NewClient(WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.WhoIs(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewClient(WithPort(70000)); err == nil {
		t.Fatalf("invalid port accepted")
	}
}

// rawExchange sends one confirmed request to srv and decodes the answer
func rawExchange(t *testing.T, srv *Server, req *ConfirmedRequest) APDU {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, srv.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(EncodeAPDUFrame(BVLCOriginalUnicastNPDU, NewNPDU(true), req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	return frame.APDU
}

func TestServerRejectsAndAborts(t *testing.T) {
	srv := startServer(t, newMemDB(0))

	p := rawExchange(t, srv, &ConfirmedRequest{InvokeID: 4, ServiceChoice: ServiceReadProperty, Raw: []byte{0x0C, 0x02}})
	if rej, ok := p.(*RejectPDU); !ok || rej.InvokeID != 4 || rej.Reason != RejectReasonMissingRequiredParameter {
		t.Fatalf("truncated request answer = %#v", p)
	}

	p = rawExchange(t, srv, &ConfirmedRequest{InvokeID: 5, ServiceChoice: 0x1F})
	if rej, ok := p.(*RejectPDU); !ok || rej.Reason != RejectReasonUnrecognizedService {
		t.Fatalf("unknown service answer = %#v", p)
	}

	p = rawExchange(t, srv, &ConfirmedRequest{Segmented: true, MoreFollows: true, InvokeID: 6, ServiceChoice: ServiceWriteProperty, Raw: []byte{0x0C}})
	if ab, ok := p.(*AbortPDU); !ok || !ab.Server || ab.Reason != AbortReasonSegmentationNotSupported {
		t.Fatalf("segmented request answer = %#v", p)
	}

	// Too large for 206 octets and segmentation not accepted
	big := startServer(t, newMemDB(60))
	p = rawExchange(t, big, &ConfirmedRequest{
		MaxResponseSize: EncodeMaxAPDU(206),
		InvokeID:        7,
		ServiceChoice:   ServiceReadProperty,
		Service:         &ReadPropertyRequest{ObjectID: NewObjectIdentifier(ObjectTypeDevice, testDevice), PropertyID: PropertyObjectList},
	})
	if ab, ok := p.(*AbortPDU); !ok || ab.InvokeID != 7 || ab.Reason != AbortReasonSegmentationNotSupported {
		t.Fatalf("oversized answer = %#v", p)
	}
}
