// internal/model/channel.go
package model

// Channel types reported by the platform.
const (
	ChannelPhysical = "physical"
	ChannelVirtual  = "esim"
	ChannelUnknown  = "unknown"
)

// Channel is one message-receiving endpoint (a SIM slot) with its own gate.
type Channel struct {
	Slot        int    `db:"slot_index" json:"slotIndex"`
	DisplayName string `db:"display_name" json:"displayName"`
	CarrierName string `db:"carrier_name" json:"carrierName"`
	Address     string `db:"address" json:"address,omitempty"`
	Enabled     bool   `db:"is_enabled" json:"isEnabled"`
	ChannelType string `db:"channel_type" json:"channelType"`
}

// SameHardware reports whether two channel sets describe the same slots,
// carriers and types. Enabled flags and names are ignored.
func SameHardware(a, b []Channel) bool {
	if len(a) != len(b) {
		return false
	}
	bySlot := make(map[int]Channel, len(b))
	for _, c := range b {
		bySlot[c.Slot] = c
	}
	for _, c := range a {
		other, ok := bySlot[c.Slot]
		if !ok || other.CarrierName != c.CarrierName || other.ChannelType != c.ChannelType {
			return false
		}
	}
	return true
}
