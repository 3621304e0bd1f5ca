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
	"errors"
	"fmt"
	"io"
)

// Sentinel errors
var (
	ErrTimeout          = errors.New("bacnet: request timeout")
	ErrConnectionClosed = errors.New("bacnet: connection closed")
	ErrInvalidResponse  = errors.New("bacnet: invalid response")
	ErrInvalidAPDU      = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU      = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLC      = errors.New("bacnet: invalid BVLC header")
	ErrDeviceNotFound   = errors.New("bacnet: device not found")
	ErrPropertyNotFound = errors.New("bacnet: property not found")
	ErrNotConnected     = errors.New("bacnet: not connected")
	ErrAlreadyConnected = errors.New("bacnet: already connected")

	// Codec errors
	ErrShortBuffer     = fmt.Errorf("bacnet: short buffer: %w", io.ErrUnexpectedEOF)
	ErrUnsupportedTag  = errors.New("bacnet: unsupported tag")
	ErrInvalidValue    = errors.New("bacnet: invalid value encoding")
	ErrUnknownService  = errors.New("bacnet: unknown service choice")
	ErrUnknownPDUType  = errors.New("bacnet: unknown PDU type")
	ErrUnexpectedTag   = errors.New("bacnet: unexpected tag")
	ErrUnsupportedType = errors.New("bacnet: unsupported value type")

	// Request lifecycle errors. These signal programming defects, not network conditions.
	ErrInvokeIDNotInUse = errors.New("bacnet: invoke ID not in use")
	ErrFlowNotHeld      = errors.New("bacnet: flow released without an active hold")
	ErrClosed           = errors.New("bacnet: closed")
)

// DecodeError reports a decode fault in one protocol layer. The value
// returned alongside it is partially populated up to the failing field.
type DecodeError struct {
	Layer string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("bacnet: decode %s.%s: %v", e.Layer, e.Field, e.Err)
	}
	return fmt.Sprintf("bacnet: decode %s: %v", e.Layer, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeFault(layer, field string, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Layer: layer, Field: field, Err: err}
}

// ErrorClass represents BACnet error classes
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := [...]string{"device", "object", "property", "resources", "security", "services", "vt", "communication"}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("error-class(%d)", uint8(e))
}

// ErrorCode represents BACnet error codes
type ErrorCode uint8

const (
	ErrorCodeOther                 ErrorCode = 0
	ErrorCodeDeviceBusy            ErrorCode = 3
	ErrorCodeInvalidDataType       ErrorCode = 9
	ErrorCodeReadAccessDenied      ErrorCode = 27
	ErrorCodeServiceRequestDenied  ErrorCode = 29
	ErrorCodeUnknownObject         ErrorCode = 31
	ErrorCodeUnknownProperty       ErrorCode = 32
	ErrorCodeValueOutOfRange       ErrorCode = 37
	ErrorCodeWriteAccessDenied     ErrorCode = 40
	ErrorCodeInvalidArrayIndex     ErrorCode = 42
	ErrorCodeCovSubscriptionFailed ErrorCode = 43
	ErrorCodeNotCovProperty        ErrorCode = 44
	ErrorCodePropertyIsNotAnArray  ErrorCode = 50
	ErrorCodeUnknownDevice         ErrorCode = 70
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                 "other",
		ErrorCodeDeviceBusy:            "device-busy",
		ErrorCodeInvalidDataType:       "invalid-data-type",
		ErrorCodeReadAccessDenied:      "read-access-denied",
		ErrorCodeServiceRequestDenied:  "service-request-denied",
		ErrorCodeUnknownObject:         "unknown-object",
		ErrorCodeUnknownProperty:       "unknown-property",
		ErrorCodeValueOutOfRange:       "value-out-of-range",
		ErrorCodeWriteAccessDenied:     "write-access-denied",
		ErrorCodeInvalidArrayIndex:     "invalid-array-index",
		ErrorCodeCovSubscriptionFailed: "cov-subscription-failed",
		ErrorCodeNotCovProperty:        "not-cov-property",
		ErrorCodePropertyIsNotAnArray:  "property-is-not-an-array",
		ErrorCodeUnknownDevice:         "unknown-device",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint8(e))
}

// BACnetError represents a BACnet protocol error
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBACnetError creates a new BACnet error
func NewBACnetError(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{
		Class: class,
		Code:  code,
	}
}

// RejectReason represents BACnet reject reasons
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := [...]string{
		"other", "buffer-overflow", "inconsistent-parameters", "invalid-parameter-data-type",
		"invalid-tag", "missing-required-parameter", "parameter-out-of-range",
		"too-many-arguments", "undefined-enumeration", "unrecognized-service",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("reject-reason(%d)", uint8(r))
}

// RejectError represents a BACnet reject response
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidApduInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTsmTimeout                    AbortReason = 10
	AbortReasonApduTooLong                   AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                         "other",
		AbortReasonBufferOverflow:                "buffer-overflow",
		AbortReasonInvalidApduInThisState:        "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriorityTask: "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:      "segmentation-not-supported",
		AbortReasonWindowSizeOutOfRange:          "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime:  "application-exceeded-reply-time",
		AbortReasonOutOfResources:                "out-of-resources",
		AbortReasonTsmTimeout:                    "tsm-timeout",
		AbortReasonApduTooLong:                   "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", uint8(a))
}

// AbortError represents a BACnet abort response
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDecodeError returns true if err carries a layer decode fault
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsDeviceNotFound returns true if the error indicates device not found
func IsDeviceNotFound(err error) bool {
	if errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownDevice || bacnetErr.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsPropertyNotFound returns true if the error indicates property not found
func IsPropertyNotFound(err error) bool {
	if errors.Is(err, ErrPropertyNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownProperty
	}
	return false
}

// IsSegmentationRefused returns true when the peer aborted because it
// cannot segment the response
func IsSegmentationRefused(err error) bool {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Reason == AbortReasonSegmentationNotSupported || abortErr.Reason == AbortReasonBufferOverflow
	}
	return false
}
