package model

// PolicyRule defines a prefix and/or domain set routed via a specific node.
type PolicyRule struct {
	Prefix  string   `json:"prefix,omitempty"`
	Domains []string `json:"domains"`
	ViaNode string   `json:"viaNode"`        // egress node; equals the last path element when Path is set
	Path    []string `json:"path,omitempty"` // ordered hop list; last element is egress
}

// Validate returns true if the rule has a target and a resolvable egress.
func (p PolicyRule) Validate() bool {
	hasTarget := p.ViaNode != "" || len(p.Path) > 0
	return (p.Prefix != "" || len(p.Domains) > 0) && hasTarget
}

// Clone returns a deep copy so callers never share slices with the editor.
func (p PolicyRule) Clone() PolicyRule {
	out := p
	out.Domains = append([]string{}, p.Domains...)
	if p.Path != nil {
		out.Path = append([]string(nil), p.Path...)
	}
	return out
}

// Policy is the full document submitted for one node.
type Policy struct {
	NodeID              string       `json:"nodeId,omitempty"`
	EgressPeerID        string       `json:"egressPeerId"`
	DefaultRoute        bool         `json:"defaultRoute"`
	BypassCIDRs         []string     `json:"bypassCidrs"`
	DefaultRouteNextHop string       `json:"defaultRouteNextHop,omitempty"`
	PolicyRules         []PolicyRule `json:"policyRules"`
}
