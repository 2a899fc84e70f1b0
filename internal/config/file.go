package config

import (
	"github.com/BurntSushi/toml"
)

// FileDefaults is the optional agentd.toml bootstrap file. It only supplies
// defaults: DeviceID, BroadcastAddr and WifiDev are overridden by the
// corresponding environment variable from spec.md §6 when that variable is
// set, matching the precedence the teacher's CLI flags give over group-file
// values. The ports have no environment variable; they come from this file
// or the built-in defaults.
type FileDefaults struct {
	DeviceID      string `toml:"device_id"`
	BroadcastAddr string `toml:"broadcast_addr"`
	WifiDev       string `toml:"wifi_dev"`
	ControlPort   int    `toml:"control_port"`
	DiscoveryPort int    `toml:"discovery_port"`
}

// FromFile parses a TOML bootstrap file at path.
func FromFile(path string) (FileDefaults, error) {
	var fd FileDefaults
	_, err := toml.DecodeFile(path, &fd)
	return fd, err
}

// Merge layers env (authoritative) over file defaults, returning the
// resolved Config plus the file-only settings not represented in spec.md's
// env var table (ports).
func Merge(env Config, file FileDefaults) (Config, FileDefaults) {
	resolved := env
	if resolved.DeviceID == DefaultDeviceID && file.DeviceID != "" {
		resolved.DeviceID = file.DeviceID
	}
	if resolved.BroadcastAddr == "" && file.BroadcastAddr != "" {
		resolved.BroadcastAddr = file.BroadcastAddr
	}
	if resolved.WifiDev == "" && file.WifiDev != "" {
		resolved.WifiDev = file.WifiDev
	}
	ports := file
	if ports.ControlPort == 0 {
		ports.ControlPort = DefaultControlPort
	}
	if ports.DiscoveryPort == 0 {
		ports.DiscoveryPort = DefaultDiscoveryPort
	}
	return resolved, ports
}

// Default ports from spec.md §6.
const (
	DefaultControlPort   = 46050
	DefaultDiscoveryPort = 46051
	CAUPort              = 46065
)
