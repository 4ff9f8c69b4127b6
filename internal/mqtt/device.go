package mqtt

import (
	"time"

	"github.com/nugget/fieldnode/internal/buildinfo"
)

// DeviceInfo is the retained JSON document published to the info
// topic on every connect. Consumers use it to map a device ID to its
// firmware and to spot reboots (a new boot ID).
type DeviceInfo struct {
	DeviceID  string    `json:"device_id"`
	BootID    string    `json:"boot_id"`
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit,omitempty"`
	Started   time.Time `json:"started"`
	Families  []string  `json:"families"`
	Encoding  string    `json:"encoding"`
}

// NewDeviceInfo fills the build fields from buildinfo.
func NewDeviceInfo(deviceID, bootID, encoding string, families []string) DeviceInfo {
	return DeviceInfo{
		DeviceID:  deviceID,
		BootID:    bootID,
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		Started:   buildinfo.Started().UTC().Truncate(time.Second),
		Families:  families,
		Encoding:  encoding,
	}
}
