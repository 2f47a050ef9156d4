// Package v1 defines the shared domain model for OrbitMesh.
package v1

import "time"

// AgentStatus represents the lifecycle status of an agent.
type AgentStatus string

const (
	AgentStatusCreated      AgentStatus = "CREATED"
	AgentStatusInitializing AgentStatus = "INITIALIZING"
	AgentStatusReady        AgentStatus = "READY"
	AgentStatusRunning      AgentStatus = "RUNNING" // Agent has at least one active assignment
	AgentStatusPaused       AgentStatus = "PAUSED"
	AgentStatusStopping     AgentStatus = "STOPPING"
	AgentStatusStopped      AgentStatus = "STOPPED"
	AgentStatusDisconnected AgentStatus = "DISCONNECTED"
	AgentStatusFaulted      AgentStatus = "FAULTED"
)

// Reachable reports whether an agent in this status has a live session.
func (s AgentStatus) Reachable() bool {
	switch s {
	case AgentStatusInitializing, AgentStatusReady, AgentStatusRunning, AgentStatusPaused, AgentStatusStopping:
		return true
	}
	return false
}

// Capability is a named, versioned skill an agent advertises.
type Capability struct {
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Props   map[string]string `json:"props,omitempty"`
}

// Agent represents a remote worker process known to the registry.
type Agent struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Group              string       `json:"group,omitempty"`
	Tags               []string     `json:"tags,omitempty"`
	Capabilities       []Capability `json:"capabilities,omitempty"`
	Status             AgentStatus  `json:"status"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	ActiveConnectionID string       `json:"active_connection_id,omitempty"`
	RemoteAddr         string       `json:"remote_addr,omitempty"`
	CPUPercent         float64      `json:"cpu_percent,omitempty"`
	MemPercent         float64      `json:"mem_percent,omitempty"`
	ActiveJobs         int          `json:"active_jobs"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// HasCapability reports whether the agent advertises the named capability.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// AgentIdentity is the result of authenticating an agent credential.
type AgentIdentity struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Group        string       `json:"group,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}
