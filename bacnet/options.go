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
	"log/slog"
	"time"
)

// options holds configuration shared by Client and Server
type options struct {
	// Network configuration
	localAddress     string
	port             int
	peerPort         int
	broadcastAddress string
	networkNumber    uint16

	// Request lifecycle
	timeout        time.Duration
	retries        int
	retryDelay     time.Duration
	invokeCapacity int

	// Pacing
	flow FlowConfig

	// APDU configuration
	maxAPDULength      uint16
	segmentation       Segmentation
	proposedWindowSize uint8

	logger *slog.Logger
}

func defaultOptions() *options {
	return &options{
		port:               DefaultPort,
		peerPort:           DefaultPort,
		broadcastAddress:   "255.255.255.255",
		timeout:            3 * time.Second,
		retries:            2,
		retryDelay:         200 * time.Millisecond,
		invokeCapacity:     MaxInvokeIDs,
		flow:               DefaultFlowConfig(),
		maxAPDULength:      MaxAPDULength,
		segmentation:       SegmentationBoth,
		proposedWindowSize: 16,
		logger:             slog.Default(),
	}
}

// Option is a functional option for configuring the client or server
type Option func(*options)

// WithLocalAddress sets the local IP address to bind to
func WithLocalAddress(addr string) Option {
	return func(o *options) {
		o.localAddress = addr
	}
}

// WithPort sets the local UDP port. Zero picks an ephemeral port.
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithPeerPort sets the port broadcasts are sent to and the port assumed
// for devices announced with a 4-byte MAC
func WithPeerPort(port int) Option {
	return func(o *options) {
		o.peerPort = port
	}
}

// WithBroadcastAddress sets the address WhoIs is broadcast to
func WithBroadcastAddress(addr string) Option {
	return func(o *options) {
		o.broadcastAddress = addr
	}
}

// WithNetworkNumber sets the BACnet network number of the local network
func WithNetworkNumber(net uint16) Option {
	return func(o *options) {
		o.networkNumber = net
	}
}

// WithTimeout sets the invoke-ID slot timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetries sets the number of retries after a timeout
func WithRetries(n int) Option {
	return func(o *options) {
		o.retries = n
	}
}

// WithRetryDelay sets the delay between retries
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// WithInvokeCapacity limits the number of invoke IDs in use (1-256)
func WithInvokeCapacity(n int) Option {
	return func(o *options) {
		o.invokeCapacity = n
	}
}

// WithThread sets the maximum number of concurrent requests per device
func WithThread(n int) Option {
	return func(o *options) {
		o.flow.Size = n
	}
}

// WithDelay sets the initial delay between request starts per device
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		o.flow.Delay = d
	}
}

// WithMinDelay sets the floor of the adaptive request delay
func WithMinDelay(d time.Duration) Option {
	return func(o *options) {
		o.flow.MinDelay = d
	}
}

// WithDelayStep sets the adaptive delay step and lockout multiplier
func WithDelayStep(step time.Duration, lockout int) Option {
	return func(o *options) {
		o.flow.Step = step
		o.flow.Lockout = lockout
	}
}

// WithMaxAPDULength sets the maximum APDU length accepted
func WithMaxAPDULength(length uint16) Option {
	return func(o *options) {
		o.maxAPDULength = length
	}
}

// WithSegmentation sets the segmentation capability
func WithSegmentation(seg Segmentation) Option {
	return func(o *options) {
		o.segmentation = seg
	}
}

// WithProposedWindowSize sets the proposed window size for segmentation
func WithProposedWindowSize(size uint8) Option {
	return func(o *options) {
		o.proposedWindowSize = size
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// DiscoverOptions holds configuration for device discovery
type DiscoverOptions struct {
	// Range limits for WhoIs
	LowLimit  *uint32
	HighLimit *uint32

	// Timeout for discovery
	Timeout time.Duration

	// Target is a unicast address to query instead of broadcasting
	Target string

	// OnDevice is called for each newly discovered device
	OnDevice func(DeviceInfo)
}

// DiscoverOption is a functional option for discovery
type DiscoverOption func(*DiscoverOptions)

func defaultDiscoverOptions() *DiscoverOptions {
	return &DiscoverOptions{
		Timeout: 5 * time.Second,
	}
}

// WithDeviceRange sets the device instance range for discovery
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.LowLimit = &low
		o.HighLimit = &high
	}
}

// WithDiscoveryTimeout sets how long to collect I-Am replies
func WithDiscoveryTimeout(d time.Duration) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Timeout = d
	}
}

// WithDiscoveryTarget sends WhoIs to a single address
func WithDiscoveryTarget(addr string) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.Target = addr
	}
}

// WithDeviceCallback streams devices as they answer
func WithDeviceCallback(fn func(DeviceInfo)) DiscoverOption {
	return func(o *DiscoverOptions) {
		o.OnDevice = fn
	}
}

// ReadOptions holds configuration for read operations
type ReadOptions struct {
	ArrayIndex *uint32
}

// ReadOption is a functional option for read operations
type ReadOption func(*ReadOptions)

// WithArrayIndex sets the array index for reading array properties
func WithArrayIndex(index uint32) ReadOption {
	return func(o *ReadOptions) {
		o.ArrayIndex = &index
	}
}

// WriteOptions holds configuration for write operations
type WriteOptions struct {
	ArrayIndex *uint32
	Priority   *uint8
}

// WriteOption is a functional option for write operations
type WriteOption func(*WriteOptions)

// WithWriteArrayIndex sets the array index for writing array properties
func WithWriteArrayIndex(index uint32) WriteOption {
	return func(o *WriteOptions) {
		o.ArrayIndex = &index
	}
}

// WithPriority sets the priority for writing (1-16, where 1 is highest)
func WithPriority(priority uint8) WriteOption {
	return func(o *WriteOptions) {
		if priority >= 1 && priority <= 16 {
			o.Priority = &priority
		}
	}
}

// SubscribeOptions holds configuration for COV subscriptions
type SubscribeOptions struct {
	Lifetime *uint32
}

// SubscribeOption is a functional option for COV subscriptions
type SubscribeOption func(*SubscribeOptions)

// WithSubscriptionLifetime sets the subscription lifetime in seconds
func WithSubscriptionLifetime(seconds uint32) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Lifetime = &seconds
	}
}
