package pylon

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

type phase int

const (
	phasePackCount phase = iota
	phaseInfo
	phaseReadings
)

// Default command tables. Info is queried before readings for every pack.
var (
	DefaultInfoCommands     = []CommandToken{CmdVersionInfo, CmdBarcode}
	DefaultReadingsCommands = []CommandToken{CmdAnalogValues, CmdAlarmInfo}
)

// exchange is the command currently on the wire.
type exchange struct {
	token CommandToken
	pack  *Pack
	phase phase
	last  bool // last command of its table
}

// Sequencer polls all packs with a fixed command cycle. Each Transmit sends
// one command; the caller drives FrameReceiver.Receive between calls. The
// Sequencer is the receiver's Handler and publishes documents as the last
// exchange of each table ends.
type Sequencer struct {
	InfoCommands     []CommandToken
	ReadingsCommands []CommandToken

	codec    *Codec
	rx       *FrameReceiver
	registry *Registry
	pub      Publisher

	phase     phase
	packIndex int
	cmdIndex  int
	complete  bool
	online    bool
	inflight  *exchange

	// accumulated during the readings pass of the current pack
	readings *ReadingSnapshot
	alarms   *AlarmStatus
}

// NewSequencer creates a Sequencer and installs it as rx's handler.
func NewSequencer(codec *Codec, rx *FrameReceiver, pub Publisher) *Sequencer {
	s := &Sequencer{
		InfoCommands:     DefaultInfoCommands,
		ReadingsCommands: DefaultReadingsCommands,
		codec:            codec,
		rx:               rx,
		registry:         &Registry{},
		pub:              pub,
	}
	rx.SetHandler(s)
	return s
}

// Registry returns the packs discovered so far.
func (s *Sequencer) Registry() *Registry {
	return s.registry
}

// SequenceComplete reports whether the last Transmit finished a cycle.
func (s *Sequencer) SequenceComplete() bool {
	return s.complete
}

// Transmit sends the next command of the cycle and reports whether it was
// the last command of the last pack.
func (s *Sequencer) Transmit() bool {
	s.complete = false
	if s.registry.Len() == 0 {
		s.phase = phasePackCount
		s.send(&exchange{token: CmdPackCount, phase: phasePackCount})
		return false
	}
	if s.phase == phasePackCount {
		s.phase, s.packIndex, s.cmdIndex = phaseInfo, 0, 0
	}

	table := s.table()
	s.cmdIndex %= len(table)
	ex := &exchange{
		token: table[s.cmdIndex],
		pack:  s.registry.At(s.packIndex),
		phase: s.phase,
		last:  s.cmdIndex == len(table)-1,
	}
	if s.phase == phaseReadings && s.cmdIndex == 0 {
		s.readings, s.alarms = nil, nil
	}
	s.advance(len(table))
	s.send(ex)
	return s.complete
}

func (s *Sequencer) table() []CommandToken {
	if s.phase == phaseInfo {
		if len(s.InfoCommands) == 0 {
			return DefaultInfoCommands
		}
		return s.InfoCommands
	}
	if len(s.ReadingsCommands) == 0 {
		return DefaultReadingsCommands
	}
	return s.ReadingsCommands
}

func (s *Sequencer) advance(tableLen int) {
	s.cmdIndex = (s.cmdIndex + 1) % tableLen
	if s.cmdIndex != 0 {
		return
	}
	if s.phase == phaseInfo {
		s.phase = phaseReadings
		return
	}
	s.phase = phaseInfo
	s.packIndex = (s.packIndex + 1) % s.registry.Len()
	if s.packIndex == 0 {
		s.complete = true
		Cycles.Inc()
	}
}

func (s *Sequencer) send(ex *exchange) {
	address := BroadcastAddress
	if ex.pack != nil {
		address = byte(ex.pack.Number)
	}
	if err := s.rx.Send(ex.token, s.codec.EncodeRequest(address, ex.token)); err != nil {
		log.Warnf("Sequencer: %s to 0x%02X not sent: %v", ex.token, address, err)
		Exchanges.WithLabelValues(ex.token.String(), "send_error").Inc()
		s.finish(ex)
		return
	}
	s.inflight = ex
}

func (s *Sequencer) take() *exchange {
	ex := s.inflight
	s.inflight = nil
	return ex
}

// Complete implements Handler.
func (s *Sequencer) Complete(r *FrameReceiver) {
	ex := s.take()
	if ex == nil {
		return
	}
	if s.handleResponse(ex, r.Content()) {
		Exchanges.WithLabelValues(ex.token.String(), "ok").Inc()
	} else {
		Exchanges.WithLabelValues(ex.token.String(), "discarded").Inc()
	}
	s.finish(ex)
}

// Overflow implements Handler.
func (s *Sequencer) Overflow(r *FrameReceiver) {
	ex := s.take()
	if ex == nil {
		return
	}
	log.Warnf("Sequencer: %s response dropped: %v", ex.token, ErrOverflow)
	Exchanges.WithLabelValues(ex.token.String(), "overflow").Inc()
	s.finish(ex)
}

// Timeout implements Handler.
func (s *Sequencer) Timeout(r *FrameReceiver) {
	ex := s.take()
	if ex == nil {
		return
	}
	log.Warnf("Sequencer: %s response dropped: %v", ex.token, ErrTimeout)
	Exchanges.WithLabelValues(ex.token.String(), "timeout").Inc()
	s.finish(ex)
}

func (s *Sequencer) handleResponse(ex *exchange, raw []byte) bool {
	log.Debugf("RX: %q", raw)
	resp, err := s.codec.DecodeFrame(raw, ex.token)
	if err != nil {
		log.Warnf("Sequencer: discarding %s response: %v", ex.token, err)
		DecodeErrors.WithLabelValues(ex.token.String(), errorReason(err)).Inc()
		return false
	}
	if ex.pack != nil && int(resp.Frame.Address) != ex.pack.Number && s.registry.ByNumber(int(resp.Frame.Address)) == nil {
		log.Warnf("Sequencer: discarding %s response from unknown address 0x%02X", ex.token, resp.Frame.Address)
		DecodeErrors.WithLabelValues(ex.token.String(), "address").Inc()
		return false
	}

	switch ex.token {
	case CmdPackCount:
		if s.registry.Init(resp.PackCount) {
			log.Infof("Pack count: %d", s.registry.Len())
			Packs.Set(float64(s.registry.Len()))
		}
		if !s.online {
			s.online = true
			s.pub.Online()
		}
	case CmdVersionInfo:
		pack := s.responsePack(ex, resp)
		pack.SetVersion(resp.Version)
		log.Infof("%s version: %s", pack.Name(), pack.Version)
	case CmdBarcode:
		pack := s.responsePack(ex, resp)
		pack.SetBarcode(resp.Barcode)
		log.Infof("%s barcode: %s", pack.Name(), pack.Barcode)
	case CmdAnalogValues:
		s.readings = resp.Readings
		ex.pack.SetCounts(len(resp.Readings.Cells), len(resp.Readings.Temperatures))
		log.Debugf("%s: %d cells, %.3fV, %.2fA, SOC %d%%", ex.pack.Name(),
			len(resp.Readings.Cells), resp.Readings.Voltage, resp.Readings.Current, resp.Readings.SOC)
	case CmdAlarmInfo:
		s.alarms = resp.Alarms
	}
	return true
}

// responsePack picks the pack named by the response address, falling back
// to the pack the request was sent to.
func (s *Sequencer) responsePack(ex *exchange, resp *Response) *Pack {
	if p := s.registry.ByNumber(int(resp.Frame.Address)); p != nil {
		return p
	}
	return ex.pack
}

// finish runs when an exchange ended, whatever the outcome.
func (s *Sequencer) finish(ex *exchange) {
	if !ex.last || ex.pack == nil {
		return
	}
	switch ex.phase {
	case phaseInfo:
		s.publishInfo(ex.pack)
	case phaseReadings:
		s.publishReadings(ex.pack)
	}
}

func (s *Sequencer) publishInfo(p *Pack) {
	if p.Version == "" && p.Barcode == "" {
		log.Warnf("Sequencer: no info for %s yet, skipping publish", p.Name())
		return
	}
	payload, err := json.Marshal(InfoDocument{Version: p.Version, BarCode: p.Barcode})
	if err != nil {
		log.Errorf("Failed to marshal info for %s: %v", p.Name(), err)
		return
	}
	if s.pub.Publish("info/"+p.Name(), payload, true) {
		p.SetInfoPublished()
	}
}

func (s *Sequencer) publishReadings(p *Pack) {
	if s.readings == nil {
		log.Warnf("Sequencer: no analog values for %s, skipping publish", p.Name())
		return
	}
	if p.ReadyForDiscovery() {
		doc, err := json.Marshal(NewDiscoveryDocument(p, s.pub))
		if err != nil {
			log.Errorf("Failed to marshal discovery for %s: %v", p.Name(), err)
		} else if s.pub.PublishDiscovery(p.Name(), doc) {
			log.Infof("Published discovery for %s", p.Name())
			p.MarkDiscoveryPublished()
		}
	}
	payload, err := json.Marshal(NewReadingsDocument(s.readings, s.alarms))
	if err != nil {
		log.Errorf("Failed to marshal readings for %s: %v", p.Name(), err)
		return
	}
	s.pub.Publish("readings/"+p.Name(), payload, false)
}
