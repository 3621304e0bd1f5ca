// Package transport provides the UDP/IPv4 transport for BACnet/IP
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// MaxDatagramSize bounds a single BACnet/IP datagram
const MaxDatagramSize = 1500

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// Datagram is one received UDP payload
type Datagram struct {
	Data []byte
	Src  *net.UDPAddr
	// Dst is the destination address of the datagram when the platform
	// reports it, nil otherwise
	Dst       net.IP
	broadcast bool
}

// IsBroadcast reports whether the datagram was addressed to the limited
// broadcast address or to the broadcast address of a local subnet. It is
// false when the destination is unknown.
func (d Datagram) IsBroadcast() bool {
	return d.broadcast
}

// DirectedBroadcast returns the broadcast address of an IPv4 subnet. It
// returns nil for IPv6 and for /31 and /32 networks, which have none.
func DirectedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if ones, bits := mask.Size(); bits != 8*net.IPv4len || ones >= 31 {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// subnetBroadcasts lists the broadcast address of every IPv4 subnet on the
// host's interfaces
func subnetBroadcasts() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			if b := DirectedBroadcast(n); b != nil {
				out = append(out, b)
			}
		}
	}
	return out
}

// UDPTransport implements BACnet/IP transport over UDP
type UDPTransport struct {
	localAddr    string
	conn         *net.UDPConn
	pc           *ipv4.PacketConn
	mu           sync.RWMutex
	writeTimeout time.Duration
	closed       bool
	// broadcasts holds the local subnet broadcast addresses, extra those
	// added with AddBroadcast
	broadcasts []net.IP
	extra      []net.IP
}

// NewUDPTransport creates a new UDP transport bound to localAddr on Open.
// An empty localAddr binds an ephemeral port on all interfaces.
func NewUDPTransport(localAddr string) *UDPTransport {
	return &UDPTransport{
		localAddr:    localAddr,
		writeTimeout: 3 * time.Second,
	}
}

// SetWriteTimeout sets the write timeout used when ctx has no deadline
func (t *UDPTransport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	t.writeTimeout = d
	t.mu.Unlock()
}

// AddBroadcast marks ip as a broadcast destination in addition to the
// limited broadcast address and the local subnet broadcasts
func (t *UDPTransport) AddBroadcast(ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		t.mu.Lock()
		t.extra = append(t.extra, ip4)
		t.mu.Unlock()
	}
}

func (t *UDPTransport) isBroadcast(dst net.IP) bool {
	ip := dst.To4()
	if ip == nil {
		return false
	}
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.broadcasts {
		if b.Equal(ip) {
			return true
		}
	}
	for _, b := range t.extra {
		if b.Equal(ip) {
			return true
		}
	}
	return false
}

// Open opens the UDP socket
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.closed {
		return nil
	}

	var addr *net.UDPAddr
	if t.localAddr != "" {
		var err error
		addr, err = net.ResolveUDPAddr("udp4", t.localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	// Not every platform reports the destination address; Dst stays nil then
	_ = pc.SetControlMessage(ipv4.FlagDst, true)

	t.conn = conn
	t.pc = pc
	t.closed = false
	t.broadcasts = subnetBroadcasts()
	return nil
}

// Close closes the UDP socket
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}

	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Send sends data to addr
func (t *UDPTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	t.mu.RLock()
	conn := t.conn
	closed := t.closed
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	if conn == nil || closed {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Broadcast sends data to the broadcast address host on port. Go enables
// SO_BROADCAST on datagram sockets, so no per-send toggle is needed.
func (t *UDPTransport) Broadcast(ctx context.Context, host string, port int, data []byte) error {
	ip := net.IPv4bcast
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("invalid broadcast address %q", host)
		}
	}
	return t.Send(ctx, &net.UDPAddr{IP: ip, Port: port}, data)
}

// Receive blocks until a datagram arrives, ctx is done, or the transport
// is closed. A context without deadline is polled every pollInterval.
func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	t.mu.RLock()
	pc := t.pc
	closed := t.closed
	t.mu.RUnlock()

	if pc == nil || closed {
		return Datagram{}, ErrClosed
	}

	buf := make([]byte, MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := pc.SetReadDeadline(deadline); err != nil {
			return Datagram{}, t.closedOr(err)
		}

		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return Datagram{}, t.closedOr(err)
		}

		udpSrc, _ := src.(*net.UDPAddr)
		dg := Datagram{Data: append([]byte(nil), buf[:n]...), Src: udpSrc}
		if cm != nil && cm.Dst != nil {
			dg.Dst = cm.Dst
			dg.broadcast = t.isBroadcast(cm.Dst)
		}
		return dg, nil
	}
}

const pollInterval = 100 * time.Millisecond

func (t *UDPTransport) closedOr(err error) error {
	if t.IsClosed() {
		return ErrClosed
	}
	return err
}

// IsClosed returns true if the transport is closed
func (t *UDPTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
