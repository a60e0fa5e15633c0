package pylon

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawFrame wraps a hex sub-frame with markers and a valid checksum.
func rawFrame(sub string) []byte {
	return []byte(fmt.Sprintf("~%s%04X\r", sub, frameChecksum([]byte(sub))))
}

func encodeResponse(addr byte, code ResponseCode, info []byte) []byte {
	var c Codec
	return c.encode(addr, CommandToken(code), strings.ToUpper(hex.EncodeToString(info)))
}

type analogFixture struct {
	pack      byte
	cells     []uint16
	temps     []uint16
	current   int16
	voltage   uint16
	remaining uint16
	total     uint16
	cycles    uint16
}

func (a analogFixture) info() []byte {
	var b bytes.Buffer
	b.WriteByte(0x00) // INFOFLAG
	b.WriteByte(a.pack)
	b.WriteByte(byte(len(a.cells)))
	for _, c := range a.cells {
		binary.Write(&b, binary.BigEndian, c)
	}
	b.WriteByte(byte(len(a.temps)))
	for _, t := range a.temps {
		binary.Write(&b, binary.BigEndian, t)
	}
	binary.Write(&b, binary.BigEndian, a.current)
	binary.Write(&b, binary.BigEndian, a.voltage)
	binary.Write(&b, binary.BigEndian, a.remaining)
	b.WriteByte(0x02) // user defined items
	binary.Write(&b, binary.BigEndian, a.total)
	binary.Write(&b, binary.BigEndian, a.cycles)
	return b.Bytes()
}

// fifteenCellFixture is a 15 cell, 6 sensor pack at 80% SOC.
func fifteenCellFixture(pack byte) analogFixture {
	cells := make([]uint16, 15)
	for i := range cells {
		cells[i] = 0x0E74 + uint16(i) // 3.700V, 3.701V, ...
	}
	return analogFixture{
		pack:      pack,
		cells:     cells,
		temps:     []uint16{2980, 2990, 3000, 3010, 3100, 2830},
		current:   -1050,
		voltage:   52000,
		remaining: 8000,
		total:     10000,
		cycles:    42,
	}
}

type alarmFixture struct {
	pack                         byte
	cellStates, tempStates       []byte
	currentState, voltageState   byte
	protect1, protect2, sys, flt byte
	alarm1, alarm2               byte
}

func (a alarmFixture) info() []byte {
	var b bytes.Buffer
	b.WriteByte(0x00)
	b.WriteByte(a.pack)
	b.WriteByte(byte(len(a.cellStates)))
	b.Write(a.cellStates)
	b.WriteByte(byte(len(a.tempStates)))
	b.Write(a.tempStates)
	b.Write([]byte{0x00, 0x00})
	b.Write([]byte{a.currentState, a.voltageState, a.protect1, a.protect2, a.sys, a.flt})
	b.Write([]byte{0x00, 0x00})
	b.Write([]byte{a.alarm1, a.alarm2})
	return b.Bytes()
}

// fakeBMS answers requests written to it like a Pylontech stack.
type fakeBMS struct {
	t      *testing.T
	packs  int
	silent map[CommandToken]bool
	late   map[CommandToken]bool // answered only on deliverLate

	mu       sync.Mutex
	pending  bytes.Buffer
	held     bytes.Buffer
	requests []*Frame
}

func newFakeBMS(t *testing.T, packs int) *fakeBMS {
	return &fakeBMS{t: t, packs: packs, silent: make(map[CommandToken]bool), late: make(map[CommandToken]bool)}
}

func (f *fakeBMS) Write(p []byte) (int, error) {
	frame, err := ParseFrame(p)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, frame)
	token := CommandToken(frame.CID2)
	if f.silent[token] {
		return len(p), nil
	}
	out := &f.pending
	if f.late[token] {
		out = &f.held
	}
	out.WriteString("\x00noise")
	out.Write(encodeResponse(frame.Address, RespNormal, f.info(token, frame.Address)))
	return len(p), nil
}

// deliverLate makes held responses readable, as if they arrived after
// their exchange timed out.
func (f *fakeBMS) deliverLate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.Write(f.held.Bytes())
	f.held.Reset()
}

func (f *fakeBMS) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending.Len() == 0 {
		return 0, nil
	}
	return f.pending.Read(p)
}

func (f *fakeBMS) info(token CommandToken, addr byte) []byte {
	switch token {
	case CmdPackCount:
		return []byte{byte(f.packs)}
	case CmdVersionInfo:
		return []byte(fmt.Sprintf("V1.3-P%d\x00\x00", addr))
	case CmdBarcode:
		return append([]byte(fmt.Sprintf("PPTBH02%08d", addr)), 0x00, 0x00)
	case CmdAnalogValues:
		return fifteenCellFixture(addr).info()
	case CmdAlarmInfo:
		return alarmFixture{
			pack:       addr,
			cellStates: make([]byte, 15),
			tempStates: make([]byte, 6),
			protect2:   0x80, // fully charged
			sys:        0x06, // both MOS on
		}.info()
	}
	return nil
}

func (f *fakeBMS) requestTokens() []CommandToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := make([]CommandToken, len(f.requests))
	for i, r := range f.requests {
		tokens[i] = CommandToken(r.CID2)
	}
	return tokens
}

type published struct {
	subtopic string
	payload  []byte
	retained bool
}

// recordingPublisher implements Publisher.
type recordingPublisher struct {
	published []published
	discovery map[string][][]byte
	online    int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{discovery: make(map[string][][]byte)}
}

func (p *recordingPublisher) RootTopicPrefix() string { return "PylonToMQTT/Bank1" }
func (p *recordingPublisher) UniqueID() string        { return "abc123" }
func (p *recordingPublisher) ThingName() string       { return "Bank1" }
func (p *recordingPublisher) Online()                 { p.online++ }

func (p *recordingPublisher) Publish(subtopic string, payload []byte, retained bool) bool {
	p.published = append(p.published, published{subtopic: subtopic, payload: payload, retained: retained})
	return true
}

func (p *recordingPublisher) PublishDiscovery(packName string, doc []byte) bool {
	p.discovery[packName] = append(p.discovery[packName], doc)
	return true
}

func (p *recordingPublisher) bySubtopic(subtopic string) []published {
	var res []published
	for _, m := range p.published {
		if m.subtopic == subtopic {
			res = append(res, m)
		}
	}
	return res
}
