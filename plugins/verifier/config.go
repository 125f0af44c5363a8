package main

// Config is passed as JSON to plugin_init.
type Config struct {
	// CheckChecksum verifies the IPv4 header checksum.
	CheckChecksum bool `json:"check_checksum" default:"true"`
	// MinLength rejects anything shorter.
	MinLength int `json:"min_length" default:"28"`
	// ReportEvery emits a checked-packets metric every N packets; 0 disables.
	ReportEvery uint64 `json:"report_every" default:"100000"`
}

type request struct {
	Version string       `json:"version"`
	Command string       `json:"command"`
	Packet  packetRecord `json:"packet"`
}

type packetRecord struct {
	Data      []byte `json:"data"`
	Length    uint16 `json:"length"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Channel   string `json:"channel"`
	Dst       string `json:"dst"`
}

type response struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type verifierStats struct {
	TotalChecks uint64 `json:"total_checks"`
	Passed      uint64 `json:"passed"`
	Failed      uint64 `json:"failed"`
	Skipped     uint64 `json:"skipped"`
}
