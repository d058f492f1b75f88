// Package homeassistant generates MQTT auto-discovery messages so a
// Home Assistant instance picks up the inverter sensors without manual
// configuration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
)

//go:embed layouts/sensors.yaml
var sensorsYAML []byte

// SensorConfig describes one sensor entry from the embedded catalogue.
// The map key is the JSON field name in the published snapshot.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	// Scale divides the raw snapshot value in the value template. Zero
	// means the value is published as-is.
	Scale int `yaml:"scale,omitempty"`
}

type layout struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage is one Home Assistant MQTT discovery payload.
type DiscoveryMessage struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo groups the sensors under one device entry in Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery builds discovery messages for one inverter.
type AutoDiscovery struct {
	config     config.HAConfig
	stateTopic string
	identity   domain.DeviceIdentity
	layout     *layout
}

// New loads the embedded sensor catalogue. stateTopic is the topic the
// monitor publishes snapshots to.
func New(cfg config.HAConfig, stateTopic string, identity domain.DeviceIdentity) (*AutoDiscovery, error) {
	var l layout
	if err := yaml.Unmarshal(sensorsYAML, &l); err != nil {
		return nil, fmt.Errorf("failed to parse sensor catalogue: %w", err)
	}

	log.Debug().
		Str("version", l.Version).
		Int("sensor_count", len(l.Sensors)).
		Msg("Home Assistant sensor catalogue loaded")

	return &AutoDiscovery{
		config:     cfg,
		stateTopic: stateTopic,
		identity:   identity,
		layout:     &l,
	}, nil
}

// Messages returns the discovery payloads keyed by their config topic.
// The snapshot supplies the device metadata (name, model, firmware).
func (ad *AutoDiscovery) Messages(state *domain.DeviceState) map[string]DiscoveryMessage {
	device := DeviceInfo{
		Identifiers:  []string{ad.nodeID()},
		Name:         deviceName(state, ad.identity),
		Manufacturer: "SMA",
		Model:        state.Type,
		SwVersion:    state.SoftwareVersion,
	}

	messages := make(map[string]DiscoveryMessage, len(ad.layout.Sensors))
	for field, sensor := range ad.layout.Sensors {
		msg := DiscoveryMessage{
			Name:              sensor.Name,
			UniqueID:          fmt.Sprintf("%s_%s", ad.nodeID(), field),
			StateTopic:        ad.stateTopic,
			ValueTemplate:     valueTemplate(field, sensor.Scale),
			DeviceClass:       sensor.DeviceClass,
			UnitOfMeasurement: sensor.UnitOfMeasurement,
			StateClass:        sensor.StateClass,
			Icon:              sensor.Icon,
			Device:            device,
		}
		if sensor.Category == "diagnostic" {
			msg.EntityCategory = "diagnostic"
		}
		messages[ad.discoveryTopic(field)] = msg
	}
	return messages
}

// CleanupMessages returns empty payloads that remove the sensors from
// Home Assistant again.
func (ad *AutoDiscovery) CleanupMessages() map[string]string {
	messages := make(map[string]string, len(ad.layout.Sensors))
	for field := range ad.layout.Sensors {
		messages[ad.discoveryTopic(field)] = ""
	}
	return messages
}

// discoveryTopic follows the Home Assistant convention
// <prefix>/sensor/<node_id>/<object_id>/config.
func (ad *AutoDiscovery) discoveryTopic(field string) string {
	nodeID := ad.nodeID()
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", ad.config.DiscoveryPrefix, nodeID, nodeID, field)
}

func (ad *AutoDiscovery) nodeID() string {
	return fmt.Sprintf("sma_%d", ad.identity.Serial)
}

func valueTemplate(field string, scale int) string {
	if scale > 1 {
		return fmt.Sprintf("{{ value_json.%s / %d }}", field, scale)
	}
	return fmt.Sprintf("{{ value_json.%s }}", field)
}

func deviceName(state *domain.DeviceState, identity domain.DeviceIdentity) string {
	if state != nil && strings.TrimSpace(state.Name) != "" {
		return state.Name
	}
	return fmt.Sprintf("SMA Inverter %d", identity.Serial)
}
