package mqtt

import (
	"fmt"
	"strings"
)

// Broker topic limits. AWS IoT rejects longer topics and deeper hierarchies
// by closing the connection, so they are checked before anything is sent.
const (
	// maxTopicLength is the maximum topic size in bytes.
	maxTopicLength = 256

	// maxTopicSegments is the maximum number of forward-slash separated levels.
	// Reserved $aws topics do not count their leading levels, so the
	// shadow topic tree fits within this limit.
	maxTopicSegments = 8

	// reservedPrefix marks broker-owned topics. Their first three levels
	// ("$aws/things/<thing>") are not counted against maxTopicSegments.
	reservedPrefix = "$aws/"
	reservedLevels = 3
)

// ValidateTopic checks a topic against the broker limits.
// Wildcards are allowed only when subscribing.
//
// Example:
//
//	mqtt.ValidateTopic("$aws/things/lamp1/shadow/update", false) // nil
//	mqtt.ValidateTopic("sensors/+/temp", false)                  // ErrInvalidTopic
func ValidateTopic(topic string, wildcards bool) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidTopic, len(topic), maxTopicLength)
	}

	levels := strings.Split(topic, "/")
	counted := len(levels)
	if strings.HasPrefix(topic, reservedPrefix) {
		counted -= reservedLevels
	}
	if counted > maxTopicSegments {
		return fmt.Errorf("%w: %d levels exceeds %d", ErrInvalidTopic, counted, maxTopicSegments)
	}

	for i, level := range levels {
		if !strings.ContainsAny(level, "+#") {
			continue
		}
		if !wildcards {
			return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
		}
		if len(level) > 1 {
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, topic)
		}
		if level == "#" && i != len(levels)-1 {
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}
