// Package pylon implements the Pylontech RS485/RS232 protocol used by
// Pylontech-compatible battery management systems: hex-ASCII framing,
// command encoding, telemetry decoding and the multi-pack polling cycle.
package pylon

import "fmt"

// Frame markers and fixed header values.
const (
	StartMarker = '~'
	EndMarker   = '\r'

	// DefaultVersion is the protocol version byte sent in requests.
	DefaultVersion byte = 0x25
	// CID1 is the fixed command category for battery data.
	CID1 byte = 0x46
	// BroadcastAddress is used for the pack count query.
	BroadcastAddress byte = 0xFF

	// MaxPacks bounds the number of packs in a stack.
	MaxPacks = 8
	// MaxBarcodeLen and MaxVersionLen bound the pack info strings.
	MaxBarcodeLen = 15
	MaxVersionLen = 19
)

// CommandToken identifies a request (CID2 on the wire) and is echoed
// through the receiver to the matching response.
type CommandToken byte

// Supported commands.
const (
	CmdNone                      CommandToken = 0x00
	CmdAnalogValues              CommandToken = 0x42
	CmdAlarmInfo                 CommandToken = 0x44
	CmdSystemParameter           CommandToken = 0x47
	CmdProtocolVersion           CommandToken = 0x4F
	CmdManufacturerInfo          CommandToken = 0x51
	CmdPackCount                 CommandToken = 0x90
	CmdChargeDischargeManagement CommandToken = 0x92
	CmdSerialNumber              CommandToken = 0x93
	CmdFirmwareInfo              CommandToken = 0x96
	CmdVersionInfo               CommandToken = 0xC1
	CmdBarcode                   CommandToken = 0xC2
)

var commandNames = map[CommandToken]string{
	CmdNone:                      "None",
	CmdAnalogValues:              "AnalogValues",
	CmdAlarmInfo:                 "AlarmInfo",
	CmdSystemParameter:           "SystemParameter",
	CmdProtocolVersion:           "ProtocolVersion",
	CmdManufacturerInfo:          "ManufacturerInfo",
	CmdPackCount:                 "PackCount",
	CmdChargeDischargeManagement: "ChargeDischargeManagement",
	CmdSerialNumber:              "SerialNumber",
	CmdFirmwareInfo:              "FirmwareInfo",
	CmdVersionInfo:               "VersionInfo",
	CmdBarcode:                   "Barcode",
}

func (c CommandToken) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// ResponseCode is the CID2 value of a response frame.
type ResponseCode byte

// Response codes defined by the protocol.
const (
	RespNormal              ResponseCode = 0x00
	RespVersionError        ResponseCode = 0x01
	RespChecksumError       ResponseCode = 0x02
	RespLengthChecksumError ResponseCode = 0x03
	RespInvalidCID2         ResponseCode = 0x04
	RespCommandFormatError  ResponseCode = 0x05
	RespInvalidData         ResponseCode = 0x06
	RespAddressError        ResponseCode = 0x90
	RespCommunicationError  ResponseCode = 0x91
)

var responseNames = map[ResponseCode]string{
	RespNormal:              "normal",
	RespVersionError:        "VER error",
	RespChecksumError:       "CHKSUM error",
	RespLengthChecksumError: "LCHKSUM error",
	RespInvalidCID2:         "CID2 invalid",
	RespCommandFormatError:  "command format error",
	RespInvalidData:         "invalid data",
	RespAddressError:        "ADR error",
	RespCommunicationError:  "CID2 communication error",
}

func (r ResponseCode) String() string {
	if name, ok := responseNames[r]; ok {
		return name
	}
	return "unknown"
}
