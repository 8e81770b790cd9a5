package mqtt

import "strings"

// Topic postfixes and abbreviations used in discovery payloads.
// "~" is replaced by the entity's base topic on the Home Assistant side.
const (
	BaseTopicPlaceholder = "~"

	statesPostfix = "monitor"
	statusPostfix = "status"
)

// Topics holds every topic derived from the base topic, the discovery prefix
// and the device name. It is immutable once created.
type Topics struct {
	baseTopic       string
	discoveryPrefix string
	device          string
}

// NewTopics creates the topic set. All inputs are lowercased.
func NewTopics(baseTopic, discoveryPrefix, device string) Topics {
	return Topics{
		baseTopic:       strings.ToLower(strings.Trim(baseTopic, "/")),
		discoveryPrefix: strings.ToLower(strings.Trim(discoveryPrefix, "/")),
		device:          strings.ToLower(device),
	}
}

// Device returns the device name the topics are built for
func (t Topics) Device() string {
	return t.device
}

// SensorStatesBaseTopic is the root of all sensor topics of this device
func (t Topics) SensorStatesBaseTopic() string {
	return t.baseTopic + "/sensor/" + t.device
}

// SensorStatesTopic receives the aggregated JSON payload
func (t Topics) SensorStatesTopic() string {
	return t.SensorStatesBaseTopic() + "/" + statesPostfix
}

// SensorStatesTopicAbbr is SensorStatesTopic relative to the base topic
func (t Topics) SensorStatesTopicAbbr() string {
	return BaseTopicPlaceholder + "/" + statesPostfix
}

// SensorStatesLWTTopic receives online/offline for the sensors
func (t Topics) SensorStatesLWTTopic() string {
	return t.SensorStatesBaseTopic() + "/" + statusPostfix
}

// SensorStatesLWTTopicAbbr is SensorStatesLWTTopic relative to the base topic
func (t Topics) SensorStatesLWTTopicAbbr() string {
	return BaseTopicPlaceholder + "/" + statusPostfix
}

// CommandBaseTopic is the root of all command topics of this device
func (t Topics) CommandBaseTopic() string {
	return t.baseTopic + "/command/" + t.device
}

// CommandLWTTopic receives online/offline for the command handler
func (t Topics) CommandLWTTopic() string {
	return t.CommandBaseTopic() + "/" + statusPostfix
}

// LWTTopicNames returns all availability topics, sensor states first
func (t Topics) LWTTopicNames() []string {
	return []string{t.SensorStatesLWTTopic(), t.CommandLWTTopic()}
}

// CommandTopicNames returns the command topics to subscribe to.
// No commands are handled yet, so the list is empty.
func (t Topics) CommandTopicNames() []string {
	return []string{}
}

// DiscoveryTopic returns the discovery config topic for one entity
func (t Topics) DiscoveryTopic(component, uniqueID string) string {
	return t.discoveryPrefix + "/" + component + "/" + t.device + "/" + uniqueID + "/config"
}

// DiscoveryStatusTopic is where Home Assistant announces its own availability
func (t Topics) DiscoveryStatusTopic() string {
	return t.discoveryPrefix + "/" + statusPostfix
}
