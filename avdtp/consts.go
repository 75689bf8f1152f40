// Package avdtp implements the AVDTP signaling engine: the session manager
// that owns one signaling channel per device pair, and the stream negotiator
// that drives each stream through its configuration states.
//
// All types in this package are confined to the event loop they were
// created with. Methods must only be called from that loop.
package avdtp

import (
	"fmt"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// PSM is the L2CAP protocol/service multiplexer used by AVDTP for both the
// signaling and the media transport channels.
const PSM = 0x0019

// SignalID identifies a signaling procedure.
type SignalID uint8

// The signaling procedures.
const (
	SignalDiscover           SignalID = 0x01
	SignalGetCapabilities    SignalID = 0x02
	SignalSetConfiguration   SignalID = 0x03
	SignalGetConfiguration   SignalID = 0x04
	SignalReconfigure        SignalID = 0x05
	SignalOpen               SignalID = 0x06
	SignalStart              SignalID = 0x07
	SignalClose              SignalID = 0x08
	SignalSuspend            SignalID = 0x09
	SignalAbort              SignalID = 0x0A
	SignalSecurityControl    SignalID = 0x0B
	SignalGetAllCapabilities SignalID = 0x0C
	SignalDelayReport        SignalID = 0x0D
)

var signalNames = map[SignalID]string{
	SignalDiscover:           "discover",
	SignalGetCapabilities:    "get_capabilities",
	SignalSetConfiguration:   "set_configuration",
	SignalGetConfiguration:   "get_configuration",
	SignalReconfigure:        "reconfigure",
	SignalOpen:               "open",
	SignalStart:              "start",
	SignalClose:              "close",
	SignalSuspend:            "suspend",
	SignalAbort:              "abort",
	SignalSecurityControl:    "security_control",
	SignalGetAllCapabilities: "get_all_capabilities",
	SignalDelayReport:        "delay_report",
}

func (s SignalID) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}

	return fmt.Sprintf("signal(0x%02x)", uint8(s))
}

// MessageType is the message type carried in a signaling header.
type MessageType uint8

// The message types.
const (
	MessageCommand       MessageType = 0x00
	MessageGeneralReject MessageType = 0x01
	MessageAccept        MessageType = 0x02
	MessageReject        MessageType = 0x03
)

// PacketType is the fragmentation type carried in a signaling header.
type PacketType uint8

// The packet types.
const (
	PacketSingle   PacketType = 0x00
	PacketStart    PacketType = 0x01
	PacketContinue PacketType = 0x02
	PacketEnd      PacketType = 0x03
)

// ErrorCode is an AVDTP error code, as carried in reject responses.
type ErrorCode uint8

// The error codes.
const (
	ErrorBadHeaderFormat          ErrorCode = 0x01
	ErrorBadLength                ErrorCode = 0x11
	ErrorBadACPSEID               ErrorCode = 0x12
	ErrorSEPInUse                 ErrorCode = 0x13
	ErrorSEPNotInUse              ErrorCode = 0x14
	ErrorBadServCategory          ErrorCode = 0x17
	ErrorBadPayloadFormat         ErrorCode = 0x18
	ErrorNotSupportedCommand      ErrorCode = 0x19
	ErrorInvalidCapabilities      ErrorCode = 0x1A
	ErrorBadRecoveryType          ErrorCode = 0x22
	ErrorBadMediaTransportFormat  ErrorCode = 0x23
	ErrorBadRecoveryFormat        ErrorCode = 0x25
	ErrorBadROHCFormat            ErrorCode = 0x26
	ErrorBadCPFormat              ErrorCode = 0x27
	ErrorBadMultiplexingFormat    ErrorCode = 0x28
	ErrorUnsupportedConfiguration ErrorCode = 0x29
	ErrorBadState                 ErrorCode = 0x31
)

var errorCodeNames = map[ErrorCode]string{
	ErrorBadHeaderFormat:          "bad header format",
	ErrorBadLength:                "bad length",
	ErrorBadACPSEID:               "bad acp seid",
	ErrorSEPInUse:                 "sep in use",
	ErrorSEPNotInUse:              "sep not in use",
	ErrorBadServCategory:          "bad service category",
	ErrorBadPayloadFormat:         "bad payload format",
	ErrorNotSupportedCommand:      "not supported command",
	ErrorInvalidCapabilities:      "invalid capabilities",
	ErrorBadRecoveryType:          "bad recovery type",
	ErrorBadMediaTransportFormat:  "bad media transport format",
	ErrorBadRecoveryFormat:        "bad recovery format",
	ErrorBadROHCFormat:            "bad header compression format",
	ErrorBadCPFormat:              "bad content protection format",
	ErrorBadMultiplexingFormat:    "bad multiplexing format",
	ErrorUnsupportedConfiguration: "unsupported configuration",
	ErrorBadState:                 "bad state",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("error(0x%02x)", uint8(c))
}

// Error is a protocol level reject, either received from the remote device
// or raised locally while validating a request.
type Error struct {
	Signal   SignalID
	Category Category
	Code     ErrorCode
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Category != 0 {
		return fmt.Sprintf("avdtp %s rejected: %s (category %s)", e.Signal, e.Code, e.Category)
	}

	return fmt.Sprintf("avdtp %s rejected: %s", e.Signal, e.Code)
}

// Is reports whether target is the generic protocol reject error.
func (e *Error) Is(target error) bool {
	return target == errorkinds.ErrProtocolReject
}

func rejectError(signal SignalID, category Category, code ErrorCode) *Error {
	return &Error{Signal: signal, Category: category, Code: code}
}
