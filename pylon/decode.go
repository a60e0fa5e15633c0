package pylon

import (
	"fmt"
	"math"
	"strings"
)

// Temperatures are reported in deci-kelvin with 273.0K as zero, not 273.15K.
const temperatureOffset = 2730

// Response is the typed result of decoding one response frame.
// Only the fields belonging to Token are set.
type Response struct {
	Frame *Frame
	Token CommandToken

	PackCount int
	Version   string
	Barcode   string
	Readings  *ReadingSnapshot
	Alarms    *AlarmStatus
}

// ReadingSnapshot holds the analog values of one pack.
type ReadingSnapshot struct {
	Cells             []float64 // V
	Temperatures      []float64 // °C
	Current           float64   // A, negative while discharging
	Voltage           float64   // V
	RemainingCapacity float64   // Ah
	FullCapacity      float64   // Ah
	CycleCount        int
	SOC               int // %
	Power             int // W
}

// AlarmStatus holds the raw status bytes of one pack. The named flags are
// derived with Protect, System, Fault and Alarm.
type AlarmStatus struct {
	CellStates        []byte
	TemperatureStates []byte
	CurrentState      byte
	VoltageState      byte
	ProtectSts1       byte
	ProtectSts2       byte
	SystemSts         byte
	FaultSts          byte
	AlarmSts1         byte
	AlarmSts2         byte
}

// DecodeFrame validates raw and decodes its INFO as the response to token.
// Nothing is returned unless checksum, length and response code are valid.
func (c *Codec) DecodeFrame(raw []byte, token CommandToken) (*Response, error) {
	frame, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	if code := ResponseCode(frame.CID2); code != RespNormal {
		return nil, &DeviceError{Code: code}
	}

	resp := &Response{Frame: frame, Token: token}
	switch token {
	case CmdPackCount:
		resp.PackCount, err = decodePackCount(frame.Info)
	case CmdVersionInfo:
		resp.Version = decodeASCII(frame.Info, MaxVersionLen)
	case CmdBarcode:
		info := frame.Info
		if len(info) >= 2 {
			info = info[:len(info)-2]
		}
		resp.Barcode = decodeASCII(info, MaxBarcodeLen)
	case CmdAnalogValues:
		resp.Readings, err = decodeAnalogValues(frame.Info)
	case CmdAlarmInfo:
		resp.Alarms, err = decodeAlarmInfo(frame.Info)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", token, err)
	}
	return resp, nil
}

// readU16BE reads a big endian uint16 at offset and returns the next offset.
func readU16BE(b []byte, offset int) (uint16, int) {
	return uint16(b[offset])<<8 | uint16(b[offset+1]), offset + 2
}

// bit reports whether bit pos of v is set.
func bit(v byte, pos uint) bool {
	return v&(1<<pos) != 0
}

// payload walks an INFO buffer sequentially.
type payload struct {
	buf []byte
	pos int
}

func (p *payload) need(n int) error {
	if p.pos+n > len(p.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrLength, n, p.pos, len(p.buf))
	}
	return nil
}

func (p *payload) u8() (byte, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buf[p.pos]
	p.pos++
	return v, nil
}

func (p *payload) u16() (uint16, error) {
	if err := p.need(2); err != nil {
		return 0, err
	}
	var v uint16
	v, p.pos = readU16BE(p.buf, p.pos)
	return v, nil
}

func (p *payload) s16() (int16, error) {
	v, err := p.u16()
	return int16(v), err
}

func (p *payload) skip(n int) error {
	if err := p.need(n); err != nil {
		return err
	}
	p.pos += n
	return nil
}

func (p *payload) bytes(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, p.buf[p.pos:])
	p.pos += n
	return v, nil
}

func decodePackCount(info []byte) (int, error) {
	if len(info) < 1 {
		return 0, fmt.Errorf("%w: empty pack count", ErrLength)
	}
	n := int(info[0])
	if n < 1 || n > MaxPacks {
		return 1, nil
	}
	return n, nil
}

func decodeASCII(info []byte, max int) string {
	s := string(info)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// decodeAnalogValues decodes the 0x42 response. INFO starts with the
// INFOFLAG and the pack number.
func decodeAnalogValues(info []byte) (*ReadingSnapshot, error) {
	p := &payload{buf: info}
	if err := p.skip(2); err != nil {
		return nil, err
	}

	cells, err := p.u8()
	if err != nil {
		return nil, err
	}
	r := &ReadingSnapshot{Cells: make([]float64, cells)}
	for i := range r.Cells {
		mv, err := p.u16()
		if err != nil {
			return nil, err
		}
		r.Cells[i] = float64(mv) / 1000
	}

	temps, err := p.u8()
	if err != nil {
		return nil, err
	}
	r.Temperatures = make([]float64, temps)
	for i := range r.Temperatures {
		raw, err := p.s16()
		if err != nil {
			return nil, err
		}
		r.Temperatures[i] = float64(int(raw)-temperatureOffset) / 10
	}

	current, err := p.s16()
	if err != nil {
		return nil, err
	}
	voltage, err := p.u16()
	if err != nil {
		return nil, err
	}
	remaining, err := p.u16()
	if err != nil {
		return nil, err
	}
	if err := p.skip(1); err != nil { // user defined item count
		return nil, err
	}
	total, err := p.u16()
	if err != nil {
		return nil, err
	}
	cycles, err := p.u16()
	if err != nil {
		return nil, err
	}

	r.Current = float64(current) / 100
	r.Voltage = float64(voltage) / 1000
	r.RemainingCapacity = float64(remaining) / 100
	r.FullCapacity = float64(total) / 100
	r.CycleCount = int(cycles)
	if total > 0 {
		r.SOC = int(remaining) * 100 / int(total)
	}
	r.Power = int(math.Round(r.Voltage * r.Current))
	return r, nil
}

// decodeAlarmInfo decodes the 0x44 response, which follows the analog
// layout with one status byte per slot.
func decodeAlarmInfo(info []byte) (*AlarmStatus, error) {
	p := &payload{buf: info}
	if err := p.skip(2); err != nil {
		return nil, err
	}

	a := &AlarmStatus{}
	cells, err := p.u8()
	if err != nil {
		return nil, err
	}
	if a.CellStates, err = p.bytes(int(cells)); err != nil {
		return nil, err
	}
	temps, err := p.u8()
	if err != nil {
		return nil, err
	}
	if a.TemperatureStates, err = p.bytes(int(temps)); err != nil {
		return nil, err
	}
	if err := p.skip(2); err != nil {
		return nil, err
	}

	for _, dst := range []*byte{&a.CurrentState, &a.VoltageState, &a.ProtectSts1, &a.ProtectSts2, &a.SystemSts, &a.FaultSts} {
		if *dst, err = p.u8(); err != nil {
			return nil, err
		}
	}
	if err := p.skip(2); err != nil { // reserved
		return nil, err
	}
	if a.AlarmSts1, err = p.u8(); err != nil {
		return nil, err
	}
	if a.AlarmSts2, err = p.u8(); err != nil {
		return nil, err
	}
	return a, nil
}

// ProtectStatus is decoded from ProtectSts1 and ProtectSts2.
type ProtectStatus struct {
	ChargerOVP bool `json:"Charger_OVP"`
	SCP        bool `json:"SCP"`
	DsgOCP     bool `json:"DSG_OCP"`
	ChgOCP     bool `json:"CHG_OCP"`
	PackUVP    bool `json:"Pack_UVP"`
	PackOVP    bool `json:"Pack_OVP"`
	CellUVP    bool `json:"Cell_UVP"`
	CellOVP    bool `json:"Cell_OVP"`
	EnvUTP     bool `json:"ENV_UTP"`
	EnvOTP     bool `json:"ENV_OTP"`
	MosOTP     bool `json:"MOS_OTP"`
	DsgUTP     bool `json:"DSG_UTP"`
	ChgUTP     bool `json:"CHG_UTP"`
	DsgOTP     bool `json:"DSG_OTP"`
	ChgOTP     bool `json:"CHG_OTP"`
}

// SystemStatus is decoded from SystemSts; FullyCharged lives in ProtectSts2.
type SystemStatus struct {
	FullyCharged bool `json:"Fully_Charged"`
	Heater       bool `json:"Heater"`
	ACIn         bool `json:"AC_in"`
	DischargeMOS bool `json:"Discharge_MOS"`
	ChargeMOS    bool `json:"Charge_MOS"`
	ChargeLimit  bool `json:"Charge_Limit"`
}

// FaultStatus is decoded from FaultSts.
type FaultStatus struct {
	HeaterFault   bool `json:"Heater_Fault"`
	CCBFault      bool `json:"CCB_Fault"`
	SamplingFault bool `json:"Sampling_Fault"`
	CellFault     bool `json:"Cell_Fault"`
	NTCFault      bool `json:"NTC_Fault"`
	DsgMOSFault   bool `json:"DSG_MOS_Fault"`
	ChgMOSFault   bool `json:"CHG_MOS_Fault"`
}

// AlarmFlags is decoded from AlarmSts1 and AlarmSts2.
type AlarmFlags struct {
	DsgOC  bool `json:"DSG_OC"`
	ChgOC  bool `json:"CHG_OC"`
	PackUV bool `json:"Pack_UV"`
	PackOV bool `json:"Pack_OV"`
	CellUV bool `json:"Cell_UV"`
	CellOV bool `json:"Cell_OV"`
	SOCLow bool `json:"SOC_Low"`
	MosOT  bool `json:"MOS_OT"`
	EnvUT  bool `json:"ENV_UT"`
	EnvOT  bool `json:"ENV_OT"`
	DsgUT  bool `json:"DSG_UT"`
	ChgUT  bool `json:"CHG_UT"`
	DsgOT  bool `json:"DSG_OT"`
	ChgOT  bool `json:"CHG_OT"`
}

func (a *AlarmStatus) Protect() ProtectStatus {
	s1, s2 := a.ProtectSts1, a.ProtectSts2
	return ProtectStatus{
		ChargerOVP: bit(s1, 7),
		SCP:        bit(s1, 6),
		DsgOCP:     bit(s1, 5),
		ChgOCP:     bit(s1, 4),
		PackUVP:    bit(s1, 3),
		PackOVP:    bit(s1, 2),
		CellUVP:    bit(s1, 1),
		CellOVP:    bit(s1, 0),
		EnvUTP:     bit(s2, 6),
		EnvOTP:     bit(s2, 5),
		MosOTP:     bit(s2, 4),
		DsgUTP:     bit(s2, 3),
		ChgUTP:     bit(s2, 2),
		DsgOTP:     bit(s2, 1),
		ChgOTP:     bit(s2, 0),
	}
}

func (a *AlarmStatus) System() SystemStatus {
	s := a.SystemSts
	return SystemStatus{
		FullyCharged: bit(a.ProtectSts2, 7),
		Heater:       bit(s, 7),
		ACIn:         bit(s, 5),
		DischargeMOS: bit(s, 2),
		ChargeMOS:    bit(s, 1),
		ChargeLimit:  bit(s, 0),
	}
}

func (a *AlarmStatus) Fault() FaultStatus {
	f := a.FaultSts
	return FaultStatus{
		HeaterFault:   bit(f, 7),
		CCBFault:      bit(f, 6),
		SamplingFault: bit(f, 5),
		CellFault:     bit(f, 4),
		NTCFault:      bit(f, 2),
		DsgMOSFault:   bit(f, 1),
		ChgMOSFault:   bit(f, 0),
	}
}

func (a *AlarmStatus) Alarm() AlarmFlags {
	s1, s2 := a.AlarmSts1, a.AlarmSts2
	return AlarmFlags{
		DsgOC:  bit(s1, 5),
		ChgOC:  bit(s1, 4),
		PackUV: bit(s1, 3),
		PackOV: bit(s1, 2),
		CellUV: bit(s1, 1),
		CellOV: bit(s1, 0),
		SOCLow: bit(s2, 7),
		MosOT:  bit(s2, 6),
		EnvUT:  bit(s2, 5),
		EnvOT:  bit(s2, 4),
		DsgUT:  bit(s2, 3),
		ChgUT:  bit(s2, 2),
		DsgOT:  bit(s2, 1),
		ChgOT:  bit(s2, 0),
	}
}
