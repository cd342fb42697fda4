package nodes

import "time"

// Node represents a registered remote agent. The code is assigned once at
// registration and is the sole key used by the token and presence layers.
type Node struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Secret      string    `json:"-"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Version     string    `json:"version,omitempty"`
	CompileTime time.Time `json:"compile_time,omitempty"`

	UUID        string `json:"uuid,omitempty"`
	MachineGuid string `json:"machine_guid,omitempty"`
	DiskID      string `json:"disk_id,omitempty"`
	Macs        string `json:"macs,omitempty"` // comma-separated MAC list
	MachineName string `json:"machine_name,omitempty"`
	UserName    string `json:"user_name,omitempty"`

	IP     string `json:"ip,omitempty"`
	Area   string `json:"area,omitempty"`
	Memory int64  `json:"memory,omitempty"`

	Enabled    bool  `json:"enabled"`
	Period     int   `json:"period,omitempty"` // per-node heartbeat override, seconds
	OnlineTime int64 `json:"online_time"`      // cumulative seconds, bumped at logout
	Logins     int64 `json:"logins"`

	LastLogin  time.Time `json:"last_login,omitempty"`
	CreateIP   string    `json:"create_ip,omitempty"`
	UpdateIP   string    `json:"update_ip,omitempty"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// NodeInfo is the hardware fingerprint and state snapshot an agent presents
// on login and heartbeat.
type NodeInfo struct {
	UUID        string `json:"uuid,omitempty"`
	MachineGuid string `json:"machine_guid,omitempty"`
	DiskID      string `json:"disk_id,omitempty"`
	Macs        string `json:"macs,omitempty"`
	MachineName string `json:"machine_name,omitempty"`
	UserName    string `json:"user_name,omitempty"`

	Version     string    `json:"version,omitempty"`
	CompileTime time.Time `json:"compile_time,omitempty"`
	Memory      int64     `json:"memory,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Area        string    `json:"area,omitempty"`
}

// ApplyLogin copies the snapshot fields from a login/heartbeat claim onto the
// node record and stamps the login counters. Scalar fields are independent
// snapshots; last write wins under concurrent heartbeats.
func (n *Node) ApplyLogin(di NodeInfo, host string) {
	if di.Version != "" {
		n.Version = di.Version
	}
	if !di.CompileTime.IsZero() {
		n.CompileTime = di.CompileTime
	}
	if di.Memory > 0 {
		n.Memory = di.Memory
	}
	if di.MachineName != "" {
		n.MachineName = di.MachineName
	}
	if di.UserName != "" {
		n.UserName = di.UserName
	}
	if di.Area != "" {
		n.Area = di.Area
	}
	n.IP = host
	n.UpdateIP = host
	n.Logins++
	n.LastLogin = time.Now().UTC()
}

const timeFormat = "2006-01-02 15:04:05"
