package band

import (
	"math"
	"testing"
)

func TestUS915RX1Planning(t *testing.T) {
	// Scenario 6: uplink at 903.9 MHz (channel 8, sub-band 1).
	plan, err := PlanRX1(US915, 903.9, "SF7BW125")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(plan.FrequencyMHz-923.3) > 1e-6 {
		t.Errorf("got freq %.4f want 923.3", plan.FrequencyMHz)
	}
	if plan.DataRate.Bandwidth != 500 {
		t.Errorf("got bandwidth %d want 500", plan.DataRate.Bandwidth)
	}
	if plan.TXPowerDBm != 17 {
		t.Errorf("got power %d want 17", plan.TXPowerDBm)
	}
}

func TestEU868RX1SameFrequency(t *testing.T) {
	plan, err := PlanRX1(EU868, 868.3, "SF7BW125")
	if err != nil {
		t.Fatal(err)
	}
	if plan.FrequencyMHz != 868.3 {
		t.Errorf("got %.4f want 868.3", plan.FrequencyMHz)
	}
	if plan.DataRate.Bandwidth != 125 {
		t.Errorf("got bandwidth %d want 125 (copied from uplink)", plan.DataRate.Bandwidth)
	}
	if plan.TXPowerDBm != 14 {
		t.Errorf("got power %d want 14", plan.TXPowerDBm)
	}
}

func TestCN470RX1Planning(t *testing.T) {
	plan, err := PlanRX1(CN470, 470.3, "SF7BW125")
	if err != nil {
		t.Fatal(err)
	}
	if plan.FrequencyMHz != 500.3 {
		t.Errorf("got %.4f want 500.3", plan.FrequencyMHz)
	}
}

func TestUnknownUplinkChannelErrors(t *testing.T) {
	if _, err := PlanRX1(US915, 999.9, "SF7BW125"); err == nil {
		t.Error("expected error for unrecognised uplink frequency")
	}
}

func TestParseDataRateRoundTrip(t *testing.T) {
	dr, err := ParseDataRate("SF12BW500")
	if err != nil {
		t.Fatal(err)
	}
	if dr.SpreadingFactor != 12 || dr.Bandwidth != 500 {
		t.Errorf("got %+v", dr)
	}
	if dr.String() != "SF12BW500" {
		t.Errorf("got %q", dr.String())
	}
}
