// Command verifier is a WASM plugin that sanity-checks generated packets.
// Build with: tinygo build -o verifier.wasm -target=wasip1 -buildmode=c-shared .
package main

// #include <stdlib.h>
import "C"

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/mcuadros/go-defaults"
)

func main() {}

var (
	cfg   Config
	stats verifierStats
)

//go:wasmexport plugin_init
func plugin_init(configPtr, configLen uint32) uint32 {
	defaults.SetDefaults(&cfg)
	if configLen > 0 {
		if err := json.Unmarshal(bytesFrom(configPtr, configLen), &cfg); err != nil {
			log(levelError, "bad config: "+err.Error())
			return 1
		}
	}
	log(levelInfo, "verifier initialized, min_length="+strconv.Itoa(cfg.MinLength))
	return 0
}

//go:wasmexport plugin_process
func plugin_process(inputPtr, inputLen, outputPtr, outputMaxLen uint32) int32 {
	in := bytesFrom(inputPtr, inputLen)
	if len(in) == 0 {
		log(levelError, "empty input")
		return -1
	}

	var req request
	if err := json.Unmarshal(in, &req); err != nil {
		log(levelError, "json unmarshal failed: "+err.Error())
		return -2
	}

	var out []byte
	var err error
	switch req.Command {
	case "get_stats":
		out, err = json.Marshal(stats)
	case "":
		out, err = json.Marshal(verify(req.Packet))
	default:
		log(levelWarn, "unknown command "+req.Command)
		return -5
	}
	if err != nil {
		log(levelError, "json marshal failed: "+err.Error())
		return -3
	}
	if uint32(len(out)) > outputMaxLen {
		log(levelError, "output buffer too small")
		return -4
	}
	copy(bytesFrom(outputPtr, outputMaxLen), out)
	return int32(len(out))
}

//go:wasmexport plugin_cleanup
func plugin_cleanup() {
	log(levelInfo, "verifier checked "+strconv.FormatUint(stats.TotalChecks, 10)+" packets")
}

func verify(p packetRecord) response {
	stats.TotalChecks++
	if cfg.ReportEvery > 0 && stats.TotalChecks%cfg.ReportEvery == 0 {
		reportMetric("verifier.checked", float64(stats.TotalChecks), p.Timestamp)
	}

	var res response
	if len(p.Data) != int(p.Length) {
		res.Errors = append(res.Errors, "length field does not match data")
	}
	if len(p.Data) < cfg.MinLength {
		res.Errors = append(res.Errors, "packet shorter than "+strconv.Itoa(cfg.MinLength))
	}

	switch p.Channel {
	case "ipv4":
		res.Errors = append(res.Errors, checkIPv4(p.Data)...)
	case "ipv6":
		res.Errors = append(res.Errors, checkIPv6(p.Data)...)
	case "link":
		res.Errors = append(res.Errors, checkLink(p.Data)...)
	default:
		stats.Skipped++
		res.Warnings = append(res.Warnings, "unknown channel "+p.Channel)
	}

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		stats.Passed++
	} else {
		stats.Failed++
	}
	return res
}

func checkIPv4(b []byte) []string {
	if len(b) < 20 {
		return []string{"truncated ipv4 header"}
	}
	var errs []string
	if b[0]>>4 != 4 {
		errs = append(errs, "ipv4 version nibble is "+strconv.Itoa(int(b[0]>>4)))
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || ihl > len(b) {
		return append(errs, "bad ipv4 header length")
	}
	if int(binary.BigEndian.Uint16(b[2:4])) != len(b) {
		errs = append(errs, "ipv4 total length mismatch")
	}
	if cfg.CheckChecksum && checksum(b[:ihl]) != 0 {
		errs = append(errs, "ipv4 header checksum mismatch")
	}
	return errs
}

func checkIPv6(b []byte) []string {
	if len(b) < 40 {
		return []string{"truncated ipv6 header"}
	}
	var errs []string
	if b[0]>>4 != 6 {
		errs = append(errs, "ipv6 version nibble is "+strconv.Itoa(int(b[0]>>4)))
	}
	if int(binary.BigEndian.Uint16(b[4:6])) != len(b)-40 {
		errs = append(errs, "ipv6 payload length mismatch")
	}
	return errs
}

func checkLink(b []byte) []string {
	if len(b) < 42 {
		return []string{"truncated ethernet frame"}
	}
	if binary.BigEndian.Uint16(b[12:14]) != 0x0806 {
		return []string{"unexpected ethertype"}
	}
	return nil
}

// checksum folds the one's complement sum; a header carrying a correct
// checksum folds to zero.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
