package models

import "time"

// Device is a physical or emulated Android target addressed via ADB.
type Device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ADBDeviceID    string     `json:"adb_device_id"`
	Status         string     `json:"status"` // online, offline, unauthorized
	Resolution     string     `json:"resolution,omitempty"`
	AndroidVersion string     `json:"android_version,omitempty"`
	HardwareSerial string     `json:"hardware_serial,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	ClientStatus   string     `json:"client_status,omitempty"`
	ClientLastSeen *time.Time `json:"client_last_seen,omitempty"`
}
