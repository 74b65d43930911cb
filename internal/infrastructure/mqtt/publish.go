package mqtt

import "fmt"

// maxPayloadSize caps a single message. State and event payloads are small
// JSON objects; anything near this is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits up to defaultPublishTimeout for
// the broker to acknowledge it. Device state and health are retained,
// supervision events are not.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.failed.Add(1)
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	c.published.Add(1)
	return nil
}

// PublishRetained publishes at the configured QoS with the retain flag set.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}

// PublishEvent publishes at the configured QoS without retaining.
func (c *Client) PublishEvent(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), false)
}

func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}
