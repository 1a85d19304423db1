package model

// Link is a directed health observation between two nodes.
// Consumers treat (From, To) and (To, From) as the same segment.
type Link struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	OK         bool     `json:"ok"`
	Reason     string   `json:"reason,omitempty"`
	LatencyMs  *int     `json:"latencyMs,omitempty"`
	PacketLoss *float64 `json:"packetLoss,omitempty"`
	ProbeIP    string   `json:"probeIp,omitempty"`
}

// Mesh is the node and link snapshot fetched together from /status/mesh.
// Links may reference nodes that are not in Nodes.
type Mesh struct {
	Nodes           []Node `json:"nodes"`
	Links           []Link `json:"links"`
	PingIntervalSec int    `json:"pingIntervalSec,omitempty"`
}
