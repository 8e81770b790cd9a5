package sensors

import "rpimqtt/internal/mqtt"

const (
	stateClassMeasurement    = "measurement"
	entityCategoryDiagnostic = "diagnostic"
)

// newEntity builds a state entity whose unique id is prefixed with the
// device name, so several boards can share one Home Assistant
func newEntity(topics mqtt.Topics, device *mqtt.Device, component mqtt.Component, name, key, valueTemplate string) mqtt.Entity {
	e := mqtt.NewStateEntity(topics, component, name, topics.Device()+"_"+key, valueTemplate)
	e.Device = device
	return e
}

// withAttributes exposes the whole sensor record as entity attributes
func withAttributes(e *mqtt.Entity, key string) {
	e.JSONAttributesTopic = e.StateTopic
	e.JSONAttributesTemplate = "{{ value_json." + key + " | tojson }}"
}
