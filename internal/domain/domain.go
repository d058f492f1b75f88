// Package domain provides the core data model for the go-speedwire client.
package domain

import (
	"context"
	"fmt"
	"time"
)

// DeviceIdentity addresses one device on the Speedwire network.
// It is resolved during the connection handshake and stays fixed for
// the lifetime of a session.
type DeviceIdentity struct {
	SUSyID uint16 `json:"susy_id"`
	Serial uint32 `json:"serial"`
}

// String returns the identity in "susyid:serial" form.
func (d DeviceIdentity) String() string {
	return fmt.Sprintf("%d:%d", d.SUSyID, d.Serial)
}

// DCInput holds the readings of one DC input (MPP tracker).
// Raw units: Power in W, Voltage in V*100, Current in mA.
type DCInput struct {
	Power   int64 `json:"power"`
	Voltage int64 `json:"voltage"`
	Current int64 `json:"current"`
}

// PowerKW returns the input power in kW.
func (d *DCInput) PowerKW() float64 { return float64(d.Power) / 1000.0 }

// VoltageV returns the input voltage in V.
func (d *DCInput) VoltageV() float64 { return float64(d.Voltage) / 100.0 }

// CurrentA returns the input current in A.
func (d *DCInput) CurrentA() float64 { return float64(d.Current) / 1000.0 }

// ACPhase holds the readings of one AC grid phase.
// Raw units: Power in W, Voltage in V*100, Current in mA.
type ACPhase struct {
	Power   int64 `json:"power"`
	Voltage int64 `json:"voltage"`
	Current int64 `json:"current"`
}

// VoltageV returns the phase voltage in V.
func (p *ACPhase) VoltageV() float64 { return float64(p.Voltage) / 100.0 }

// CurrentA returns the phase current in A.
func (p *ACPhase) CurrentA() float64 { return float64(p.Current) / 1000.0 }

// BatteryState holds the optional battery block of a hybrid inverter.
// Raw units: Voltage in V*100, Current in mA, Temperature in °C*100,
// ChargeStatus in percent.
type BatteryState struct {
	ChargeStatus int64 `json:"charge_status"`
	Voltage      int64 `json:"voltage"`
	Current      int64 `json:"current"`
	Temperature  int64 `json:"temperature"`
}

// HistoricalSample is one entry of the daily archive: a timestamped
// cumulative energy counter plus the average power derived from the
// preceding sample.
type HistoricalSample struct {
	Time    time.Time `json:"time"`
	TotalWh uint64    `json:"total_wh"`
	Watt    float64   `json:"watt"`
}

// EnergyTotalKWh returns the cumulative counter in kWh.
func (s HistoricalSample) EnergyTotalKWh() float64 { return float64(s.TotalWh) / 1000.0 }

// DeviceState aggregates everything read from one inverter during a
// session. Raw units follow the device conventions: voltages in V*100,
// currents in mA, power in W, energy in Wh, frequency in Hz*100,
// temperatures in °C*100.
type DeviceState struct {
	// Connection info
	Address  string         `json:"address"`
	Identity DeviceIdentity `json:"identity"`

	// Device info
	Name            string `json:"name,omitempty"`
	Type            string `json:"type,omitempty"`
	Class           string `json:"class,omitempty"`
	ClassID         uint32 `json:"class_id,omitempty"`
	SoftwareVersion string `json:"sw_version,omitempty"`

	// Status codes
	Status          uint32 `json:"status,omitempty"`
	GridRelayStatus uint32 `json:"grid_relay_status,omitempty"`

	// AC side
	TotalACPower  int64      `json:"total_ac_power"`
	Phases        [3]ACPhase `json:"phases"`
	GridFrequency int64      `json:"grid_frequency"`

	// DC side, keyed by input sub-index
	DC map[uint8]*DCInput `json:"dc,omitempty"`

	// Energy counters (Wh) and runtimes (seconds)
	EnergyToday   int64 `json:"energy_today"`
	EnergyTotal   int64 `json:"energy_total"`
	OperationTime int64 `json:"operation_time,omitempty"`
	FeedInTime    int64 `json:"feed_in_time,omitempty"`

	// Grid metering (W)
	GridPowerOut int64 `json:"grid_power_out,omitempty"`
	GridPowerIn  int64 `json:"grid_power_in,omitempty"`

	Temperature int64 `json:"temperature,omitempty"`

	Battery *BatteryState `json:"battery,omitempty"`

	Archive []HistoricalSample `json:"archive,omitempty"`

	// Timestamps reported by the device
	InverterTime time.Time `json:"inverter_time,omitzero"`
	WakeupTime   time.Time `json:"wakeup_time,omitzero"`
	SleepTime    time.Time `json:"sleep_time,omitzero"`
}

// NewDeviceState returns an empty state ready for field mapping.
func NewDeviceState() *DeviceState {
	return &DeviceState{DC: make(map[uint8]*DCInput)}
}

// Clone returns a deep copy of the snapshot. The field mapper keeps
// mutating the session's snapshot across polls; consumers that hold a
// state beyond one poll (HTTP handlers, publishers) must own a copy.
func (s *DeviceState) Clone() *DeviceState {
	c := *s
	if s.DC != nil {
		c.DC = make(map[uint8]*DCInput, len(s.DC))
		for class, in := range s.DC {
			copied := *in
			c.DC[class] = &copied
		}
	}
	if s.Battery != nil {
		battery := *s.Battery
		c.Battery = &battery
	}
	if s.Archive != nil {
		c.Archive = append([]HistoricalSample(nil), s.Archive...)
	}
	return &c
}

// Input returns the DC input slot for the given sub-index, creating it
// on first use. Input count is device dependent, so the mapping is sparse.
func (s *DeviceState) Input(class uint8) *DCInput {
	if s.DC == nil {
		s.DC = make(map[uint8]*DCInput)
	}
	in, ok := s.DC[class]
	if !ok {
		in = &DCInput{}
		s.DC[class] = in
	}
	return in
}

// EnsureBattery returns the battery block, allocating it the first time
// a battery record is seen.
func (s *DeviceState) EnsureBattery() *BatteryState {
	if s.Battery == nil {
		s.Battery = &BatteryState{}
	}
	return s.Battery
}

// PowerKW returns total AC power in kW.
func (s *DeviceState) PowerKW() float64 { return float64(s.TotalACPower) / 1000.0 }

// FrequencyHz returns the grid frequency in Hz.
func (s *DeviceState) FrequencyHz() float64 { return float64(s.GridFrequency) / 100.0 }

// TemperatureC returns the device temperature in °C.
func (s *DeviceState) TemperatureC() float64 { return float64(s.Temperature) / 100.0 }

// EnergyTodayKWh returns today's yield in kWh.
func (s *DeviceState) EnergyTodayKWh() float64 { return float64(s.EnergyToday) / 1000.0 }

// EnergyTotalKWh returns the lifetime yield in kWh.
func (s *DeviceState) EnergyTotalKWh() float64 { return float64(s.EnergyTotal) / 1000.0 }

// OperationHours returns the total operating time in hours.
func (s *DeviceState) OperationHours() float64 { return float64(s.OperationTime) / 3600.0 }

// TotalDCPower returns the summed power of all DC inputs in W.
func (s *DeviceState) TotalDCPower() int64 {
	var total int64
	for _, in := range s.DC {
		total += in.Power
	}
	return total
}

// Device class identifiers reported in the nameplate main-model record.
const (
	ClassAllDevices          = 8000
	ClassSolarInverter       = 8001
	ClassWindTurbineInverter = 8002
	ClassBatteryInverter     = 8007
	ClassChargingStation     = 8008
	ClassHybridInverter      = 8009
	ClassConsumer            = 8033
	ClassSensorSystem        = 8064
	ClassElectricityMeter    = 8065
)

var classNames = map[uint32]string{
	ClassAllDevices:          "AllDevices",
	ClassSolarInverter:       "SolarInverter",
	ClassWindTurbineInverter: "WindTurbineInverter",
	ClassBatteryInverter:     "BatteryInverter",
	ClassChargingStation:     "ChargingStation",
	ClassHybridInverter:      "HybridInverter",
	ClassConsumer:            "Consumer",
	ClassSensorSystem:        "SensorSystem",
	ClassElectricityMeter:    "ElectricityMeter",
}

// ClassName resolves a device class id against the known set. Unknown
// values keep their numeric form rather than being dropped.
func ClassName(id uint32) string {
	if name, ok := classNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Class_%d", id)
}

// MessagePublisher defines the interface for publishing device snapshots.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// DeviceReader defines the read surface of a connected inverter session,
// as consumed by the monitor service.
type DeviceReader interface {
	// ReadAll collects every available data category from the device.
	ReadAll(ctx context.Context) (*DeviceState, error)

	// Close releases the session and its transport.
	Close() error
}
