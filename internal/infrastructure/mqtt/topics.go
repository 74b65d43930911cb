package mqtt

import "fmt"

// TopicPrefix is the root of every topic ecatd publishes.
const TopicPrefix = "ecatd"

// Topics provides builders for ecatd MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState(2) // "ecatd/state/2"
type Topics struct{}

// DeviceState returns the retained state topic of a device.
//
// Example: ecatd/state/2
func (Topics) DeviceState(device int) string {
	return fmt.Sprintf("%s/state/%d", TopicPrefix, device)
}

// Event returns the topic supervision events of one kind are published on.
//
// Example: ecatd/event/lost
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, kind)
}

// Health returns the daemon health topic.
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus returns the retained online/offline topic, also used as the
// Last Will and Testament.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllStates returns a wildcard matching every device state topic.
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+"
}

// AllEvents returns a wildcard matching every event topic.
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+"
}
