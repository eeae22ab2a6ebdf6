// Package band implements the per-region uplink-channel to downlink
// frequency/data-rate planning table used by the Downlink Scheduler. It is
// pure and has no I/O: given an uplink's reported frequency and data rate
// string, it returns the RX1 downlink parameters.
package band

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Region identifies a regional parameters table.
type Region string

const (
	EU868  Region = "EU868"
	US915  Region = "US915"
	AU915  Region = "AU915"
	CN470  Region = "CN470"
	AS923_1 Region = "AS923_1"
	AS923_2 Region = "AS923_2"
	AS923_3 Region = "AS923_3"
	KR920  Region = "KR920"
	EU433  Region = "EU433"
	CN779  Region = "CN779"
	IN865  Region = "IN865"
	RU864  Region = "RU864"
)

// DataRate is a parsed "SF<n>BW<m>" string.
type DataRate struct {
	SpreadingFactor int
	Bandwidth       int // kHz
}

// String renders back to the wire form, e.g. "SF7BW125".
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadingFactor, d.Bandwidth)
}

// ParseDataRate parses the Packet-Forwarder "datr" field, e.g. "SF7BW125".
func ParseDataRate(s string) (DataRate, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	const prefix = "SF"
	if !strings.HasPrefix(s, prefix) {
		return DataRate{}, fmt.Errorf("band: not a LoRa data rate: %q", s)
	}
	idx := strings.Index(s, "BW")
	if idx < 0 {
		return DataRate{}, fmt.Errorf("band: missing BW in data rate: %q", s)
	}
	sf, err := strconv.Atoi(s[len(prefix):idx])
	if err != nil {
		return DataRate{}, fmt.Errorf("band: bad spreading factor in %q: %w", s, err)
	}
	bw, err := strconv.Atoi(s[idx+2:])
	if err != nil {
		return DataRate{}, fmt.Errorf("band: bad bandwidth in %q: %w", s, err)
	}
	return DataRate{SpreadingFactor: sf, Bandwidth: bw}, nil
}

// Plan is the RX1 downlink parameters derived from an uplink.
type Plan struct {
	FrequencyMHz float64
	DataRate     DataRate
	TXPowerDBm   int
	CodingRate   string
}

const epsilon = 1e-6

// isFixedChannelRegion reports whether RX1 in region r replies on the same
// frequency as the uplink, rather than a frequency derived from the uplink
// channel plan.
func isFixedChannelRegion(r Region) bool {
	switch r {
	case EU868, AS923_1, AS923_2, AS923_3, KR920, EU433, CN779, IN865, RU864:
		return true
	default:
		return false
	}
}

func txPower(r Region) int {
	switch r {
	case US915, AU915:
		return 17
	default:
		return 14
	}
}

// PlanRX1 computes the RX1 downlink frequency/data-rate/power for an uplink
// reported at uplinkFreqMHz with data rate datr, in the given region.
func PlanRX1(r Region, uplinkFreqMHz float64, datr string) (Plan, error) {
	dr, err := ParseDataRate(datr)
	if err != nil {
		return Plan{}, err
	}

	switch r {
	case US915:
		ch, err := us915Channel(uplinkFreqMHz)
		if err != nil {
			return Plan{}, err
		}
		return Plan{
			FrequencyMHz: round3(923.3 + 0.6*float64(ch%8)),
			DataRate:     DataRate{SpreadingFactor: dr.SpreadingFactor, Bandwidth: 500},
			TXPowerDBm:   txPower(r),
			CodingRate:   "4/5",
		}, nil
	case AU915:
		ch, err := us915Channel(uplinkFreqMHz)
		if err != nil {
			return Plan{}, err
		}
		return Plan{
			FrequencyMHz: round3(923.3 + 0.6*float64(ch%8)),
			DataRate:     DataRate{SpreadingFactor: dr.SpreadingFactor, Bandwidth: 500},
			TXPowerDBm:   txPower(r),
			CodingRate:   "4/5",
		}, nil
	case CN470:
		ch, err := cn470Channel(uplinkFreqMHz)
		if err != nil {
			return Plan{}, err
		}
		return Plan{
			FrequencyMHz: round3(500.3 + 0.2*float64(ch%48)),
			DataRate:     dr,
			TXPowerDBm:   txPower(r),
			CodingRate:   "4/5",
		}, nil
	default:
		if !isFixedChannelRegion(r) {
			return Plan{}, fmt.Errorf("band: unknown region %q", r)
		}
		return Plan{
			FrequencyMHz: round3(uplinkFreqMHz),
			DataRate:     dr,
			TXPowerDBm:   txPower(r),
			CodingRate:   "4/5",
		}, nil
	}
}

// us915Channel recovers the channel index from an uplink frequency, covering
// both the 64 125kHz channels (902.3+0.2n) and the 8 500kHz channels
// (903.0+1.6n, numbered 64..71).
func us915Channel(freqMHz float64) (int, error) {
	for n := 0; n < 64; n++ {
		if almostEqual(freqMHz, 902.3+0.2*float64(n)) {
			return n, nil
		}
	}
	for n := 0; n < 8; n++ {
		if almostEqual(freqMHz, 903.0+1.6*float64(n)) {
			return n + 64, nil
		}
	}
	return 0, fmt.Errorf("band: %.4f MHz is not a US915/AU915 uplink channel", freqMHz)
}

func cn470Channel(freqMHz float64) (int, error) {
	for n := 0; n < 96; n++ {
		if almostEqual(freqMHz, 470.3+0.2*float64(n)) {
			return n, nil
		}
	}
	return 0, fmt.Errorf("band: %.4f MHz is not a CN470 uplink channel", freqMHz)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
