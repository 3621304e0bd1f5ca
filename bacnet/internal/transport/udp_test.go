package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDirectedBroadcast(t *testing.T) {
	tests := []struct {
		cidr string
		want string
	}{
		{"192.168.1.20/24", "192.168.1.255"},
		{"10.0.0.255/23", "10.0.1.255"},
		{"172.16.3.4/16", "172.16.255.255"},
		{"10.0.0.1/31", ""},
		{"10.0.0.1/32", ""},
		{"fe80::1/64", ""},
	}
	for _, tt := range tests {
		ip, n, err := net.ParseCIDR(tt.cidr)
		if err != nil {
			t.Fatalf("ParseCIDR(%s): %v", tt.cidr, err)
		}
		n.IP = ip
		got := DirectedBroadcast(n)
		if tt.want == "" {
			if got != nil {
				t.Errorf("DirectedBroadcast(%s) = %s, want none", tt.cidr, got)
			}
			continue
		}
		if !got.Equal(net.ParseIP(tt.want)) {
			t.Errorf("DirectedBroadcast(%s) = %s, want %s", tt.cidr, got, tt.want)
		}
	}
}

func TestIsBroadcastWideSubnet(t *testing.T) {
	_, n, _ := net.ParseCIDR("10.0.0.0/23")
	tr := NewUDPTransport("")
	tr.broadcasts = []net.IP{DirectedBroadcast(n)}
	tr.AddBroadcast(net.ParseIP("192.168.7.255"))

	tests := []struct {
		dst  string
		want bool
	}{
		{"10.0.0.255", false},
		{"10.0.1.255", true},
		{"255.255.255.255", true},
		{"192.168.7.255", true},
		{"192.168.8.255", false},
		{"10.0.1.7", false},
	}
	for _, tt := range tests {
		if got := tr.isBroadcast(net.ParseIP(tt.dst)); got != tt.want {
			t.Errorf("isBroadcast(%s) = %v, want %v", tt.dst, got, tt.want)
		}
	}
}

func TestReceiveUnicast(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0")
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	conn, err := net.DialUDP("udp4", nil, tr.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0x81, 0x0a, 0x00, 0x04}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dg, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(dg.Data) != 4 || dg.IsBroadcast() {
		t.Fatalf("datagram = %+v, broadcast %v", dg, dg.IsBroadcast())
	}
}
