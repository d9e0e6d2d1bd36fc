// Package protocol defines the topic scheme and payloads shared by the agent,
// the broker-side backend and the dashboard.
//
//	register/<id>    device label            agent -> broker
//	device/id/<id>   presence status         agent -> broker
//	setup/<id>       mode command            broker -> agent
//	photos/<id>      raw image bytes         agent -> broker
//
// All agent traffic is published at QoS 0 without the retain flag.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	RegisterPrefix = "register/"
	StatusPrefix   = "device/id/"
	CommandPrefix  = "setup/"
	PhotosPrefix   = "photos/"
)

const (
	StatusConnected    = "Device Connected"
	StatusDisconnected = "Device Disconnected"

	CommandStartManual = "start manual"
	CommandStartLive   = "start live"
)

// QoSAtMostOnce is used for every agent publish.
const QoSAtMostOnce byte = 0

// Deprecated: earlier agents published frames to this shared topic. Frames go
// to photos/<id> now, for both automatic and manual captures.
const LegacyImageTopic = "camera/image"

var ErrInvalidDeviceID = errors.New("device id must be in 1..65535")

// DeviceID identifies the agent for the lifetime of the process. It is not
// persisted; a restart draws a new one.
type DeviceID uint16

// NewDeviceID draws a random id in 1..65535.
func NewDeviceID() DeviceID {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("protocol: read random device id: %v", err))
		}
		if id := binary.BigEndian.Uint16(b[:]); id != 0 {
			return DeviceID(id)
		}
	}
}

// ParseDeviceID accepts the decimal form used in topics.
func ParseDeviceID(s string) (DeviceID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	return DeviceID(n), nil
}

func (id DeviceID) String() string { return strconv.FormatUint(uint64(id), 10) }

func (id DeviceID) Valid() bool { return id != 0 }

func RegisterTopic(id DeviceID) string { return RegisterPrefix + id.String() }

func StatusTopic(id DeviceID) string { return StatusPrefix + id.String() }

func CommandTopic(id DeviceID) string { return CommandPrefix + id.String() }

func PhotosTopic(id DeviceID) string { return PhotosPrefix + id.String() }

// ManualCaptureTopic is where user-triggered frames go. It is the same topic
// as automatic captures.
func ManualCaptureTopic(id DeviceID) string { return PhotosTopic(id) }

// DeviceFromTopic extracts the id from any per-device topic.
func DeviceFromTopic(topic string) (DeviceID, bool) {
	for _, prefix := range []string{RegisterPrefix, StatusPrefix, CommandPrefix, PhotosPrefix} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok {
			id, err := ParseDeviceID(rest)
			return id, err == nil
		}
	}
	return 0, false
}

// IsDeprecatedTopic reports topics used by earlier agents that are no longer part of the contract.
func IsDeprecatedTopic(topic string) bool {
	return topic == LegacyImageTopic
}
