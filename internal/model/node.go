package model

import "time"

// NodeUser is a client registered on a worker node.
type NodeUser struct {
	UUID    string    `json:"uuid"`
	Path    string    `json:"path"`
	AddedAt time.Time `json:"added_at"`
}

// NodeHealth is the health report of a worker node.
type NodeHealth struct {
	Status      string `json:"status"`
	Server      string `json:"server"`
	Users       int    `json:"users"`
	Xray        bool   `json:"xray"`
	XrayPID     int    `json:"xray_pid,omitempty"`
	XrayClients int    `json:"xray_clients"`
	XrayVersion string `json:"xray_version,omitempty"`
}
