package plugin

// Metadata is read from the optional <name>.json file next to a plugin.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Type        string `json:"type"` // "verifier"
}

// VerifyRequest is the JSON document passed to plugin_process. A request
// with Command set carries no packet.
type VerifyRequest struct {
	Version string       `json:"version"`
	Command string       `json:"command,omitempty"`
	Packet  PacketRecord `json:"packet"`
}

type PacketRecord struct {
	Data      []byte `json:"data"`
	Length    uint16 `json:"length"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Channel   string `json:"channel"` // "ipv4", "ipv6", "link"
	Dst       string `json:"dst"`
}

type VerifyResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type VerifierStats struct {
	TotalChecks uint64 `json:"total_checks"`
	Passed      uint64 `json:"passed"`
	Failed      uint64 `json:"failed"`
	Skipped     uint64 `json:"skipped"`
}

const protocolVersion = "1"
