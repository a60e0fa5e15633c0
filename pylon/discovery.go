package pylon

import "fmt"

// SoftwareVersion is reported as sw_version in discovery documents.
var SoftwareVersion = "1.0.0"

// DiscoveryDevice describes the pack as a Home Assistant device.
type DiscoveryDevice struct {
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	HWVersion    string   `json:"hw_version,omitempty"`
	SWVersion    string   `json:"sw_version"`
	Manufacturer string   `json:"manufacturer"`
	Identifiers  []string `json:"identifiers"`
}

// DiscoveryOrigin names the application publishing the document.
type DiscoveryOrigin struct {
	Name string `json:"name"`
}

// DiscoveryComponent is one entity of the device.
type DiscoveryComponent struct {
	Platform          string `json:"platform"`
	Name              string `json:"name"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string `json:"value_template"`
	UniqueID          string `json:"unique_id"`
	Icon              string `json:"icon,omitempty"`
}

// DiscoveryDocument is a Home Assistant device discovery payload.
type DiscoveryDocument struct {
	Device              DiscoveryDevice               `json:"device"`
	Origin              DiscoveryOrigin               `json:"origin"`
	Components          map[string]DiscoveryComponent `json:"components"`
	StateTopic          string                        `json:"state_topic"`
	AvailabilityTopic   string                        `json:"availability_topic"`
	PayloadAvailable    string                        `json:"pl_avail"`
	PayloadNotAvailable string                        `json:"pl_not_avail"`
}

// NewDiscoveryDocument builds the discovery document of a pack whose info
// and cell/temperature counts are known.
func NewDiscoveryDocument(p *Pack, id Identity) *DiscoveryDocument {
	identifier := p.Barcode
	if identifier == "" {
		identifier = fmt.Sprintf("%s_%s", id.UniqueID(), p.Name())
	}
	doc := &DiscoveryDocument{
		Device: DiscoveryDevice{
			Name:         fmt.Sprintf("%s %s", id.ThingName(), p.Name()),
			Model:        p.Version,
			HWVersion:    p.Barcode,
			SWVersion:    SoftwareVersion,
			Manufacturer: "ClassicDIY",
			Identifiers:  []string{identifier},
		},
		Origin:              DiscoveryOrigin{Name: id.ThingName()},
		Components:          make(map[string]DiscoveryComponent),
		StateTopic:          fmt.Sprintf("%s/stat/readings/%s", id.RootTopicPrefix(), p.Name()),
		AvailabilityTopic:   fmt.Sprintf("%s/tele/LWT", id.RootTopicPrefix()),
		PayloadAvailable:    "Online",
		PayloadNotAvailable: "Offline",
	}

	add := func(entity, jsonElement, deviceClass, stateClass, unit, icon string) {
		doc.Components[entity] = DiscoveryComponent{
			Platform:          "sensor",
			Name:              entity,
			DeviceClass:       deviceClass,
			StateClass:        stateClass,
			UnitOfMeasurement: unit,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", jsonElement),
			UniqueID:          fmt.Sprintf("%s_%s_%s", id.UniqueID(), p.Name(), entity),
			Icon:              icon,
		}
	}
	add("PackVoltage", "PackVoltage.Reading", "voltage", "measurement", "V", "mdi:lightning-bolt")
	add("PackCurrent", "PackCurrent.Reading", "current", "measurement", "A", "mdi:current-dc")
	add("SOC", "SOC", "battery", "measurement", "%", "")
	add("RemainingCapacity", "RemainingCapacity", "", "measurement", "Ah", "mdi:ev-station")
	add("FullCapacity", "FullCapacity", "", "measurement", "Ah", "mdi:battery-high")
	add("CycleCount", "CycleCount", "", "total_increasing", "", "mdi:counter")
	add("Power", "Power", "power", "measurement", "W", "mdi:flash")
	for i := 0; i < p.NumberOfTemps; i++ {
		key := TempKey(i)
		add(key, fmt.Sprintf("Temps.%s.Reading", key), "temperature", "measurement", "°C", "")
	}
	for i := 0; i < p.NumberOfCells; i++ {
		key := CellKey(i)
		add(key, fmt.Sprintf("Cells.%s.Reading", key), "voltage", "measurement", "V", "mdi:lightning-bolt")
	}
	return doc
}
