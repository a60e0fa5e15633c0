package pylon

import "fmt"

// Reading is one measured value with its alarm state (0 = OK).
type Reading struct {
	Reading float64 `json:"Reading"`
	State   byte    `json:"State"`
}

// InfoDocument is published retained to info/PackN.
type InfoDocument struct {
	Version string `json:"Version"`
	BarCode string `json:"BarCode"`
}

// ReadingsDocument is published to readings/PackN once per cycle.
type ReadingsDocument struct {
	Cells             map[string]Reading `json:"Cells"`
	Temps             map[string]Reading `json:"Temps"`
	PackCurrent       Reading            `json:"PackCurrent"`
	PackVoltage       Reading            `json:"PackVoltage"`
	RemainingCapacity float64            `json:"RemainingCapacity"`
	FullCapacity      float64            `json:"FullCapacity"`
	CycleCount        int                `json:"CycleCount"`
	SOC               int                `json:"SOC"`
	Power             int                `json:"Power"`

	ProtectStatus *ProtectStatus `json:"Protect_Status,omitempty"`
	SystemStatus  *SystemStatus  `json:"System_Status,omitempty"`
	FaultStatus   *FaultStatus   `json:"Fault_Status,omitempty"`
	AlarmStatus   *AlarmFlags    `json:"Alarm_Status,omitempty"`
}

var tempKeys = []string{"CellTemp1_4", "CellTemp5_8", "CellTemp9_12", "CellTemp13_16", "MOS_T", "ENV_T"}

// TempKey names the i-th (0-based) temperature sensor.
func TempKey(i int) string {
	if i < len(tempKeys) {
		return tempKeys[i]
	}
	return fmt.Sprintf("Temp%d", i+1)
}

// CellKey names the i-th (0-based) cell.
func CellKey(i int) string {
	return fmt.Sprintf("Cell_%d", i+1)
}

func stateAt(states []byte, i int) byte {
	if i < len(states) {
		return states[i]
	}
	return 0
}

// NewReadingsDocument merges analog values with optional alarm data.
func NewReadingsDocument(r *ReadingSnapshot, a *AlarmStatus) *ReadingsDocument {
	doc := &ReadingsDocument{
		Cells:             make(map[string]Reading, len(r.Cells)),
		Temps:             make(map[string]Reading, len(r.Temperatures)),
		PackCurrent:       Reading{Reading: r.Current},
		PackVoltage:       Reading{Reading: r.Voltage},
		RemainingCapacity: r.RemainingCapacity,
		FullCapacity:      r.FullCapacity,
		CycleCount:        r.CycleCount,
		SOC:               r.SOC,
		Power:             r.Power,
	}
	var cellStates, tempStates []byte
	if a != nil {
		cellStates, tempStates = a.CellStates, a.TemperatureStates
		doc.PackCurrent.State = a.CurrentState
		doc.PackVoltage.State = a.VoltageState
		protect, system, fault, alarm := a.Protect(), a.System(), a.Fault(), a.Alarm()
		doc.ProtectStatus, doc.SystemStatus, doc.FaultStatus, doc.AlarmStatus = &protect, &system, &fault, &alarm
	}
	for i, v := range r.Cells {
		doc.Cells[CellKey(i)] = Reading{Reading: v, State: stateAt(cellStates, i)}
	}
	for i, v := range r.Temperatures {
		doc.Temps[TempKey(i)] = Reading{Reading: v, State: stateAt(tempStates, i)}
	}
	return doc
}
