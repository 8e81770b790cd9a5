package mqtt

// Component is the Home Assistant integration an entity belongs to
type Component string

const (
	ComponentSensor       Component = "sensor"
	ComponentBinarySensor Component = "binary_sensor"
)

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Device groups entities in Home Assistant
type Device struct {
	Identifiers      []string `json:"identifiers,omitempty"`
	Name             string   `json:"name,omitempty"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
	SerialNumber     string   `json:"serial_number,omitempty"`
	HWVersion        string   `json:"hw_version,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Entity is the discovery payload of one Home Assistant entity.
// Empty fields are left out of the JSON payload.
type Entity struct {
	Name                   string    `json:"name,omitempty"`
	UniqueID               string    `json:"unique_id,omitempty"`
	Component              Component `json:"-"`
	DeviceClass            string    `json:"device_class,omitempty"`
	StateClass             string    `json:"state_class,omitempty"`
	EntityCategory         string    `json:"entity_category,omitempty"`
	Device                 *Device   `json:"device,omitempty"`
	UnitOfMeasurement      string    `json:"unit_of_measurement,omitempty"`
	Icon                   string    `json:"icon,omitempty"`
	ValueTemplate          string    `json:"value_template,omitempty"`
	BaseTopic              string    `json:"~,omitempty"`
	StateTopic             string    `json:"state_topic,omitempty"`
	AvailabilityTopic      string    `json:"availability_topic,omitempty"`
	PayloadAvailable       string    `json:"payload_available,omitempty"`
	PayloadNotAvailable    string    `json:"payload_not_available,omitempty"`
	JSONAttributesTopic    string    `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string    `json:"json_attributes_template,omitempty"`
	PayloadOn              string    `json:"payload_on,omitempty"`
	PayloadOff             string    `json:"payload_off,omitempty"`
}

// DiscoveryMessage pairs a discovery topic with its payload
type DiscoveryMessage struct {
	Topic   string
	Payload Entity
}

// NewStateEntity returns an entity reading its value from the aggregated
// state payload, linked to the sensor availability topic
func NewStateEntity(topics Topics, component Component, name, uniqueID, valueTemplate string) Entity {
	return Entity{
		Name:                name,
		UniqueID:            uniqueID,
		Component:           component,
		ValueTemplate:       valueTemplate,
		BaseTopic:           topics.SensorStatesBaseTopic(),
		StateTopic:          topics.SensorStatesTopicAbbr(),
		AvailabilityTopic:   topics.SensorStatesLWTTopicAbbr(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
	}
}

// Message builds the discovery message for an entity
func (e Entity) Message(topics Topics) DiscoveryMessage {
	return DiscoveryMessage{
		Topic:   topics.DiscoveryTopic(string(e.Component), e.UniqueID),
		Payload: e,
	}
}
