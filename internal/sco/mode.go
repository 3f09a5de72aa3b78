package sco

import (
	"github.com/srg/btsco/internal/settings"
)

// ModeSettingPrefix prefixes the device address in the persisted mode key.
const ModeSettingPrefix = "bluetooth_sco_channel_"

// ModeSettingKey returns the settings key holding the preferred mode of dev.
func ModeSettingKey(dev *Device) string {
	if dev == nil {
		return ""
	}
	return ModeSettingPrefix + dev.Address
}

// ResolveMode returns the persisted connection mode for dev. Missing, out of
// range or unreadable values resolve to ModeVirtualCall. It never writes.
func ResolveMode(store settings.Store, dev *Device) Mode {
	if store == nil || dev == nil || dev.Address == "" {
		return ModeVirtualCall
	}
	v, ok := store.GetInt(ModeSettingKey(dev))
	if !ok {
		return ModeVirtualCall
	}
	m := Mode(v)
	if !m.Valid() {
		return ModeVirtualCall
	}
	return m
}
