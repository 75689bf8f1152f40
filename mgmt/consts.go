// Package mgmt implements the router for the kernel Bluetooth management channel.
//
// The router owns one record per controller index, correlates command
// completions to their callers and turns out-of-band events into
// notifications. Like the avdtp package, every exported method of the
// router must be called on its loop.
package mgmt

import (
	"fmt"
	"strings"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// IndexNone is the index of commands and events that address no controller.
const IndexNone uint16 = 0xffff

// HeaderSize is the size of the frame header.
const HeaderSize = 6

// Opcode is a management command opcode.
type Opcode uint16

// The management commands.
const (
	OpReadVersion         Opcode = 0x0001
	OpReadCommands        Opcode = 0x0002
	OpReadIndexList       Opcode = 0x0003
	OpReadInfo            Opcode = 0x0004
	OpSetPowered          Opcode = 0x0005
	OpSetDiscoverable     Opcode = 0x0006
	OpSetConnectable      Opcode = 0x0007
	OpSetFastConnectable  Opcode = 0x0008
	OpSetBondable         Opcode = 0x0009
	OpSetLinkSecurity     Opcode = 0x000A
	OpSetSSP              Opcode = 0x000B
	OpSetHS               Opcode = 0x000C
	OpSetLE               Opcode = 0x000D
	OpSetDevClass         Opcode = 0x000E
	OpSetLocalName        Opcode = 0x000F
	OpAddUUID             Opcode = 0x0010
	OpRemoveUUID          Opcode = 0x0011
	OpLoadLinkKeys        Opcode = 0x0012
	OpLoadLongTermKeys    Opcode = 0x0013
	OpDisconnect          Opcode = 0x0014
	OpGetConnections      Opcode = 0x0015
	OpPinCodeReply        Opcode = 0x0016
	OpPinCodeNegReply     Opcode = 0x0017
	OpSetIOCapability     Opcode = 0x0018
	OpPairDevice          Opcode = 0x0019
	OpCancelPairDevice    Opcode = 0x001A
	OpUnpairDevice        Opcode = 0x001B
	OpUserConfirmReply    Opcode = 0x001C
	OpUserConfirmNegReply Opcode = 0x001D
	OpUserPasskeyReply    Opcode = 0x001E
	OpUserPasskeyNegReply Opcode = 0x001F
	OpReadLocalOOBData    Opcode = 0x0020
	OpAddRemoteOOBData    Opcode = 0x0021
	OpRemoveRemoteOOBData Opcode = 0x0022
	OpStartDiscovery      Opcode = 0x0023
	OpStopDiscovery       Opcode = 0x0024
	OpConfirmName         Opcode = 0x0025
	OpBlockDevice         Opcode = 0x0026
	OpUnblockDevice       Opcode = 0x0027
)

var opcodeNames = map[Opcode]string{
	OpReadVersion:         "read_version",
	OpReadCommands:        "read_commands",
	OpReadIndexList:       "read_index_list",
	OpReadInfo:            "read_info",
	OpSetPowered:          "set_powered",
	OpSetDiscoverable:     "set_discoverable",
	OpSetConnectable:      "set_connectable",
	OpSetFastConnectable:  "set_fast_connectable",
	OpSetBondable:         "set_bondable",
	OpSetLinkSecurity:     "set_link_security",
	OpSetSSP:              "set_ssp",
	OpSetHS:               "set_hs",
	OpSetLE:               "set_le",
	OpSetDevClass:         "set_dev_class",
	OpSetLocalName:        "set_local_name",
	OpAddUUID:             "add_uuid",
	OpRemoveUUID:          "remove_uuid",
	OpLoadLinkKeys:        "load_link_keys",
	OpLoadLongTermKeys:    "load_long_term_keys",
	OpDisconnect:          "disconnect",
	OpGetConnections:      "get_connections",
	OpPinCodeReply:        "pin_code_reply",
	OpPinCodeNegReply:     "pin_code_neg_reply",
	OpSetIOCapability:     "set_io_capability",
	OpPairDevice:          "pair_device",
	OpCancelPairDevice:    "cancel_pair_device",
	OpUnpairDevice:        "unpair_device",
	OpUserConfirmReply:    "user_confirm_reply",
	OpUserConfirmNegReply: "user_confirm_neg_reply",
	OpUserPasskeyReply:    "user_passkey_reply",
	OpUserPasskeyNegReply: "user_passkey_neg_reply",
	OpReadLocalOOBData:    "read_local_oob_data",
	OpAddRemoteOOBData:    "add_remote_oob_data",
	OpRemoveRemoteOOBData: "remove_remote_oob_data",
	OpStartDiscovery:      "start_discovery",
	OpStopDiscovery:       "stop_discovery",
	OpConfirmName:         "confirm_name",
	OpBlockDevice:         "block_device",
	OpUnblockDevice:       "unblock_device",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("opcode 0x%04x", uint16(o))
}

// EventCode is a management event code.
type EventCode uint16

// The management events.
const (
	EvCmdComplete         EventCode = 0x0001
	EvCmdStatus           EventCode = 0x0002
	EvControllerError     EventCode = 0x0003
	EvIndexAdded          EventCode = 0x0004
	EvIndexRemoved        EventCode = 0x0005
	EvNewSettings         EventCode = 0x0006
	EvClassOfDevChanged   EventCode = 0x0007
	EvLocalNameChanged    EventCode = 0x0008
	EvNewLinkKey          EventCode = 0x0009
	EvNewLongTermKey      EventCode = 0x000A
	EvDeviceConnected     EventCode = 0x000B
	EvDeviceDisconnected  EventCode = 0x000C
	EvConnectFailed       EventCode = 0x000D
	EvPinCodeRequest      EventCode = 0x000E
	EvUserConfirmRequest  EventCode = 0x000F
	EvUserPasskeyRequest  EventCode = 0x0010
	EvAuthFailed          EventCode = 0x0011
	EvDeviceFound         EventCode = 0x0012
	EvDiscovering         EventCode = 0x0013
	EvDeviceBlocked       EventCode = 0x0014
	EvDeviceUnblocked     EventCode = 0x0015
	EvDeviceUnpaired      EventCode = 0x0016
	EvEncryptChange       EventCode = 0x0017
	EvRemoteVersion       EventCode = 0x0018
	EvRemoteFeatures      EventCode = 0x0019
)

var eventNames = map[EventCode]string{
	EvCmdComplete:        "cmd_complete",
	EvCmdStatus:          "cmd_status",
	EvControllerError:    "controller_error",
	EvIndexAdded:         "index_added",
	EvIndexRemoved:       "index_removed",
	EvNewSettings:        "new_settings",
	EvClassOfDevChanged:  "class_of_dev_changed",
	EvLocalNameChanged:   "local_name_changed",
	EvNewLinkKey:         "new_link_key",
	EvNewLongTermKey:     "new_long_term_key",
	EvDeviceConnected:    "device_connected",
	EvDeviceDisconnected: "device_disconnected",
	EvConnectFailed:      "connect_failed",
	EvPinCodeRequest:     "pin_code_request",
	EvUserConfirmRequest: "user_confirm_request",
	EvUserPasskeyRequest: "user_passkey_request",
	EvAuthFailed:         "auth_failed",
	EvDeviceFound:        "device_found",
	EvDiscovering:        "discovering",
	EvDeviceBlocked:      "device_blocked",
	EvDeviceUnblocked:    "device_unblocked",
	EvDeviceUnpaired:     "device_unpaired",
	EvEncryptChange:      "encrypt_change",
	EvRemoteVersion:      "remote_version",
	EvRemoteFeatures:     "remote_features",
}

func (e EventCode) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("event 0x%04x", uint16(e))
}

// Status is the status code of a command completion.
type Status uint8

// The command status codes.
const (
	StatusSuccess          Status = 0x00
	StatusUnknownCommand   Status = 0x01
	StatusNotConnected     Status = 0x02
	StatusFailed           Status = 0x03
	StatusConnectFailed    Status = 0x04
	StatusAuthFailed       Status = 0x05
	StatusNotPaired        Status = 0x06
	StatusNoResources      Status = 0x07
	StatusTimeout          Status = 0x08
	StatusAlreadyConnected Status = 0x09
	StatusBusy             Status = 0x0A
	StatusRejected         Status = 0x0B
	StatusNotSupported     Status = 0x0C
	StatusInvalidParams    Status = 0x0D
	StatusDisconnected     Status = 0x0E
	StatusNotPowered       Status = 0x0F
	StatusCancelled        Status = 0x10
	StatusInvalidIndex     Status = 0x11
)

var statusNames = [...]string{
	StatusSuccess:          "success",
	StatusUnknownCommand:   "unknown command",
	StatusNotConnected:     "not connected",
	StatusFailed:           "failed",
	StatusConnectFailed:    "connect failed",
	StatusAuthFailed:       "authentication failed",
	StatusNotPaired:        "not paired",
	StatusNoResources:      "no resources",
	StatusTimeout:          "timeout",
	StatusAlreadyConnected: "already connected",
	StatusBusy:             "busy",
	StatusRejected:         "rejected",
	StatusNotSupported:     "not supported",
	StatusInvalidParams:    "invalid parameters",
	StatusDisconnected:     "disconnected",
	StatusNotPowered:       "not powered",
	StatusCancelled:        "cancelled",
	StatusInvalidIndex:     "invalid index",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// Err returns the status as an error, or nil on success.
func (s Status) Err(op Opcode, index uint16) error {
	if s == StatusSuccess {
		return nil
	}

	return &StatusError{Opcode: op, Index: index, Status: s}
}

// StatusError is a failed command completion.
type StatusError struct {
	Opcode Opcode
	Index  uint16
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s on index %d: %s", e.Opcode, e.Index, e.Status)
}

// Is matches ErrCommandFailed, and ErrAdapterNotPowered for the not powered status.
func (e *StatusError) Is(target error) bool {
	switch target {
	case errorkinds.ErrCommandFailed:
		return true

	case errorkinds.ErrAdapterNotPowered:
		return e.Status == StatusNotPowered
	}

	return false
}

// Settings is the bitmask of controller settings.
type Settings uint32

// The controller settings.
const (
	SettingPowered Settings = 1 << iota
	SettingConnectable
	SettingFastConnectable
	SettingDiscoverable
	SettingBondable
	SettingLinkSecurity
	SettingSSP
	SettingBREDR
	SettingHS
	SettingLE
	SettingAdvertising
)

var settingNames = []string{
	"powered", "connectable", "fast-connectable", "discoverable", "bondable",
	"link-security", "ssp", "br/edr", "hs", "le", "advertising",
}

// Has reports whether every bit of flag is set.
func (s Settings) Has(flag Settings) bool {
	return s&flag == flag
}

func (s Settings) String() string {
	var names []string

	for i, name := range settingNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, ",")
}

// DiscoveryType is the address type mask used by discovery.
type DiscoveryType uint8

// The discovery types.
const (
	DiscoveryBREDR    DiscoveryType = 1 << 0
	DiscoveryLEPublic DiscoveryType = 1 << 1
	DiscoveryLERandom DiscoveryType = 1 << 2

	DiscoveryAll = DiscoveryBREDR | DiscoveryLEPublic | DiscoveryLERandom
)
