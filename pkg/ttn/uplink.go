package ttn

import "encoding/json"

// Envelope is one line of the storage API response.
type Envelope struct {
	Result *Uplink `json:"result,omitempty"`
}

// Uplink is an uplink message as stored or published by TTN. Every field is
// optional; callers validate what they need.
type Uplink struct {
	EndDeviceIDs  *EndDeviceIDs  `json:"end_device_ids,omitempty"`
	ReceivedAt    *string        `json:"received_at,omitempty"`
	UplinkMessage *UplinkMessage `json:"uplink_message,omitempty"`
}

// EndDeviceIDs identifies the sending device.
type EndDeviceIDs struct {
	DeviceID       string          `json:"device_id"`
	ApplicationIDs *ApplicationIDs `json:"application_ids,omitempty"`
	DevEUI         string          `json:"dev_eui,omitempty"`
}

// ApplicationIDs identifies the TTN application.
type ApplicationIDs struct {
	ApplicationID string `json:"application_id"`
}

// UplinkMessage carries the payload decoded by the application's formatter.
type UplinkMessage struct {
	FPort          int             `json:"f_port,omitempty"`
	DecodedPayload json.RawMessage `json:"decoded_payload,omitempty"`
}

// DeviceID returns the device identifier, or "" when absent.
func (u *Uplink) DeviceID() string {
	if u == nil || u.EndDeviceIDs == nil {
		return ""
	}
	return u.EndDeviceIDs.DeviceID
}

// HasDecodedPayload reports whether the uplink carries a decoded payload object.
func (u *Uplink) HasDecodedPayload() bool {
	if u == nil || u.UplinkMessage == nil {
		return false
	}
	p := u.UplinkMessage.DecodedPayload
	return len(p) > 0 && string(p) != "null"
}
