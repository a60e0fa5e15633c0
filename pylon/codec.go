package pylon

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// headerLen is the number of hex characters of VER, ADR, CID1, CID2 and LENGTH.
const headerLen = 12

// checksumLen is the number of hex characters of CHKSUM.
const checksumLen = 4

// Codec encodes requests and decodes responses.
// The zero value sends DefaultVersion.
type Codec struct {
	Version byte
}

// Frame is a validated frame split into its header fields and raw INFO bytes.
type Frame struct {
	Version byte
	Address byte
	CID1    byte
	CID2    byte
	Length  uint16 // LENID, the INFO length in hex characters
	Info    []byte
}

func (c *Codec) version() byte {
	if c == nil || c.Version == 0 {
		return DefaultVersion
	}
	return c.Version
}

// MaxInfoLen is the longest INFO field, in hex characters, LENID can express.
const MaxInfoLen = 0x0FFF

// EncodeCommand builds a complete wire frame. info must already be
// hex-ASCII; an odd length or one above MaxInfoLen is rejected with ErrLength.
func (c *Codec) EncodeCommand(address byte, cid2 CommandToken, info string) ([]byte, error) {
	if len(info) > MaxInfoLen || len(info)%2 != 0 {
		return nil, fmt.Errorf("%w: INFO of %d hex characters", ErrLength, len(info))
	}
	return c.encode(address, cid2, info), nil
}

func (c *Codec) encode(address byte, cid2 CommandToken, info string) []byte {
	sub := fmt.Sprintf("%02X%02X%02X%02X%04X", c.version(), address, CID1, byte(cid2), infoLength(len(info))) + info
	frame := make([]byte, 0, len(sub)+checksumLen+2)
	frame = append(frame, StartMarker)
	frame = append(frame, sub...)
	frame = append(frame, fmt.Sprintf("%04X", frameChecksum([]byte(sub)))...)
	frame = append(frame, EndMarker)
	return frame
}

// EncodeRequest builds the request for token addressed to one pack.
// The INFO field carries the pack address, as the BMS expects.
func (c *Codec) EncodeRequest(address byte, token CommandToken) []byte {
	return c.encode(address, token, fmt.Sprintf("%02X", address))
}

// lengthChecksum returns the self-check nibble for a 12-bit LENID.
func lengthChecksum(lenid int) uint16 {
	sum := (lenid & 0xF) + ((lenid >> 4) & 0xF) + ((lenid >> 8) & 0xF)
	return uint16((0xF - sum%16 + 1) % 16)
}

// infoLength packs the length checksum nibble into the top 4 bits of LENID.
// lenid must not exceed MaxInfoLen.
func infoLength(lenid int) uint16 {
	lenid &= 0x0FFF
	return lengthChecksum(lenid)<<12 | uint16(lenid)
}

// frameChecksum is the inverted 16 bit sum of the ASCII characters plus one.
func frameChecksum(sub []byte) uint16 {
	var sum uint16
	for _, b := range sub {
		sum += uint16(b)
	}
	return ^sum + 1
}

// ParseFrame validates checksum and length of a raw frame and splits it into
// header and INFO. The start and end markers are optional.
func ParseFrame(raw []byte) (*Frame, error) {
	if n := len(raw); n > 0 && raw[n-1] == EndMarker {
		raw = raw[:n-1]
	}
	if len(raw) > 0 && raw[0] == StartMarker {
		raw = raw[1:]
	}
	if len(raw) < headerLen+checksumLen {
		return nil, fmt.Errorf("%w: frame of %d characters is shorter than header", ErrLength, len(raw))
	}

	body, chkHex := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	chk, err := strconv.ParseUint(string(chkHex), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %q", ErrInvalidHex, chkHex)
	}
	var sum uint16
	for _, b := range body {
		sum += uint16(b)
	}
	if sum+uint16(chk) != 0 {
		return nil, fmt.Errorf("%w: got %04X, want %04X", ErrChecksum, chk, ^sum+1)
	}

	header := make([]byte, headerLen/2)
	if _, err := hex.Decode(header, body[:headerLen]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidHex, err)
	}
	length, _ := readU16BE(header, 4)
	lenid := length & 0x0FFF
	if lchk := length >> 12; lchk != lengthChecksum(int(lenid)) {
		return nil, fmt.Errorf("%w: length checksum %X invalid for LENID %d", ErrLength, lchk, lenid)
	}
	if lenid%2 != 0 {
		return nil, fmt.Errorf("%w: odd LENID %d", ErrLength, lenid)
	}
	infoHex := body[headerLen:]
	if len(infoHex) < int(lenid) {
		return nil, fmt.Errorf("%w: LENID %d, received %d", ErrLength, lenid, len(infoHex))
	}
	info := make([]byte, int(lenid)/2)
	if _, err := hex.Decode(info, infoHex[:len(info)*2]); err != nil {
		return nil, fmt.Errorf("%w: info: %v", ErrInvalidHex, err)
	}

	return &Frame{
		Version: header[0],
		Address: header[1],
		CID1:    header[2],
		CID2:    header[3],
		Length:  lenid,
		Info:    info,
	}, nil
}
