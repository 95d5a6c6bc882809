package telemetry

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Outcome reports which part of MiningStats a line touched
type Outcome int

const (
	// OutcomeIgnored - the line matched no grammar or carried no usable number
	OutcomeIgnored Outcome = iota
	// OutcomeError - the miner reported a failure; ErrorCount was incremented
	OutcomeError
	// OutcomeShare - share counters were updated
	OutcomeShare
	// OutcomeHashrate - only the hashrate was updated
	OutcomeHashrate
	// OutcomeDifficulty - the pool difficulty was updated
	OutcomeDifficulty
)

// String returns string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeError:
		return "error"
	case OutcomeShare:
		return "share"
	case OutcomeHashrate:
		return "hashrate"
	case OutcomeDifficulty:
		return "difficulty"
	default:
		return "unknown"
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// StripANSI removes terminal colour sequences
func StripANSI(line string) string {
	if !strings.Contains(line, "\x1b") {
		return line
	}
	return ansiEscape.ReplaceAllString(line, "")
}

var hashrateUnits = map[string]float64{
	"h/s":     1,
	"kh/s":    1e3,
	"mh/s":    1e6,
	"gh/s":    1e9,
	"th/s":    1e12,
	"hash/s":  1,
	"khash/s": 1e3,
	"mhash/s": 1e6,
	"ghash/s": 1e9,
}

// ScaleHashrate converts value in unit to H/s
func ScaleHashrate(value float64, unit string) (float64, bool) {
	mult, ok := hashrateUnits[strings.ToLower(strings.TrimRight(unit, ",;)"))]
	if !ok {
		return 0, false
	}
	return value * mult, true
}

func isUnit(token string) bool {
	_, ok := hashrateUnits[strings.ToLower(strings.TrimRight(token, ",;)"))]
	return ok
}

func parseNumber(token string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.Trim(token, ",;()"), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseLine applies one line of miner output to stats. It performs no I/O;
// now stamps LastShareTime. Lines that match a trigger but carry no usable
// number leave the affected field untouched.
func ParseLine(minerType, line string, stats *MiningStats, now time.Time) Outcome {
	line = StripANSI(line)

	// Case sensitive: summaries such as "Errors: 0" are not failures.
	if strings.Contains(line, "failed") || strings.Contains(line, "error") {
		stats.ErrorCount++
		return OutcomeError
	}

	if minerType == MinerXMRig {
		return parseXMRig(line, stats, now)
	}
	return parseCPUMiner(line, stats, now)
}

// parseCPUMiner handles cpuminer/minerd output:
//
//	[2024-01-01 12:00:00] accepted: 1/1 (100.00%), 450.12 H/s yes!
//	[2024-01-01 12:00:00] CPU #0: 6.25 kH/s
//	[2024-01-01 12:00:00] Stratum difficulty set to 0.0625
func parseCPUMiner(line string, stats *MiningStats, now time.Time) Outcome {
	if idx := strings.Index(line, "accepted:"); idx >= 0 {
		rest := line[idx+len("accepted:"):]
		outcome := OutcomeIgnored

		if accepted, total, ok := parseRatio(strings.TrimSpace(rest)); ok {
			stats.AcceptedShares = accepted
			if total >= accepted {
				stats.RejectedShares = total - accepted
			}
			t := now
			stats.LastShareTime = &t
			outcome = OutcomeShare
		}

		if rate, ok := trailingHashrate(strings.Fields(rest)); ok {
			stats.Hashrate = rate
			if outcome == OutcomeIgnored {
				outcome = OutcomeHashrate
			}
		}
		return outcome
	}

	if strings.Contains(line, "H/s") && strings.Contains(line, "CPU #") {
		cpu := line[strings.Index(line, "CPU #"):]
		sep := strings.Index(cpu, ": ")
		if sep < 0 {
			return OutcomeIgnored
		}
		if rate, ok := leadingHashrate(strings.Fields(cpu[sep+2:])); ok {
			stats.Hashrate = rate
			return OutcomeHashrate
		}
		return OutcomeIgnored
	}

	if idx := strings.Index(line, "difficulty set to"); idx >= 0 {
		fields := strings.Fields(line[idx+len("difficulty set to"):])
		if len(fields) > 0 {
			if diff, ok := parseNumber(fields[0]); ok && diff > 0 {
				stats.PoolDifficulty = diff
				return OutcomeDifficulty
			}
		}
	}

	return OutcomeIgnored
}

// parseXMRig handles xmrig output:
//
//	[2024-01-01 12:00:00.000]  net      accepted (1/0) diff 100001 (45 ms)
//	[2024-01-01 12:00:00.000]  miner    speed 10s/60s/15m 1234.5 1200.0 n/a H/s max 1300.0 H/s
//	[2024-01-01 12:00:00.000]  net      new job from pool.example.com:3333 diff 100001 algo rx/0
func parseXMRig(line string, stats *MiningStats, now time.Time) Outcome {
	for _, marker := range []string{"accepted (", "rejected ("} {
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		rest := line[idx+len(marker):]
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return OutcomeIgnored
		}
		accepted, rejected, ok := parseRatio(rest[:end])
		if !ok {
			return OutcomeIgnored
		}
		stats.AcceptedShares = accepted
		stats.RejectedShares = rejected
		if marker == "accepted (" {
			t := now
			stats.LastShareTime = &t
		}
		return OutcomeShare
	}

	if idx := strings.Index(line, "speed "); idx >= 0 {
		fields := strings.Fields(line[idx+len("speed "):])
		if len(fields) > 0 && strings.Contains(fields[0], "/") {
			fields = fields[1:]
		}
		if rate, ok := leadingHashrate(fields); ok {
			stats.Hashrate = rate
			return OutcomeHashrate
		}
		return OutcomeIgnored
	}

	if strings.Contains(line, "new job") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "diff" {
				if diff, ok := parseNumber(fields[i+1]); ok && diff > 0 {
					stats.PoolDifficulty = diff
					return OutcomeDifficulty
				}
			}
		}
	}

	return OutcomeIgnored
}

// parseRatio reads a leading "N/M" pair
func parseRatio(s string) (uint64, uint64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, false
	}
	left, right, found := strings.Cut(fields[0], "/")
	if !found {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(left, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.ParseUint(strings.TrimRight(right, ",;)"), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, m, true
}

// trailingHashrate scans from the end for the last "<number> <unit>" pair
func trailingHashrate(fields []string) (float64, bool) {
	for i := len(fields) - 1; i > 0; i-- {
		if !isUnit(fields[i]) {
			continue
		}
		if v, ok := parseNumber(fields[i-1]); ok {
			return ScaleHashrate(v, fields[i])
		}
	}
	return 0, false
}

// leadingHashrate takes the first number and scales it by the first unit
// that follows it. Placeholders such as "n/a" between them are skipped.
func leadingHashrate(fields []string) (float64, bool) {
	for i, f := range fields {
		v, ok := parseNumber(f)
		if !ok {
			if isUnit(f) {
				return 0, false
			}
			continue
		}
		for _, unit := range fields[i+1:] {
			if isUnit(unit) {
				return ScaleHashrate(v, unit)
			}
		}
		return 0, false
	}
	return 0, false
}
