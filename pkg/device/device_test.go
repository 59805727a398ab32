package device

import (
	"sort"
	"testing"
)

func TestScoreAndClassify(t *testing.T) {
	var testCases = []struct {
		name          string
		expectedScore int
		expectedClass Class
	}{
		{"ELM327 v1.5", 95, ClassELM327},
		{"OBDII ELM 327", 95, ClassELM327},
		{"Vgate iCar Pro", 88, ClassOBD2},
		{"iCar2", 86, ClassOBD2},
		{"KONNWEI KW902", 85, ClassOBD2},
		{"Veepeak OBDCheck", 84, ClassOBD2},
		{"OBDLink MX+", 84, ClassOBD2},
		{"Autel AP200", 80, ClassOBD2},
		{"OBDII", 75, ClassOBD2},
		{"Car Bluetooth Kit", 60, ClassGeneric},
		{"Generic BT Speaker", 30, ClassGeneric},
		{"HC-05", 30, ClassGeneric},
		{"Bluetooth Headset", 30, ClassGeneric},
		{"Subtle Lamp", 10, ClassGeneric},
		{"", 10, ClassGeneric},
	}

	for _, cs := range testCases {
		t.Run(cs.name, func(t *testing.T) {
			if score := Score(cs.name); score != cs.expectedScore {
				t.Fatalf("unexpected score for `%s`, want %d, have %d", cs.name, cs.expectedScore, score)
			}
			if class := Classify(cs.name); class != cs.expectedClass {
				t.Fatalf("unexpected class for `%s`, want %s, have %s", cs.name, cs.expectedClass, class)
			}
		})
	}
}

func TestScoreDeterminism(t *testing.T) {
	for _, name := range []string{"ELM327 v1.5", "vgate", "random", "bt", "CAR bluetooth"} {
		first, firstClass := Score(name), Classify(name)
		for i := 0; i < 100; i++ {
			if Score(name) != first || Classify(name) != firstClass {
				t.Fatalf("non-deterministic score / class for `%s`", name)
			}
		}
		if first < 0 || first > 100 {
			t.Fatalf("score for `%s` out of range: %d", name, first)
		}
	}
}

func TestRanking(t *testing.T) {
	devs := []Device{
		New("3", "00:00:00:00:00:03", "Generic BT Speaker"),
		New("1", "00:00:00:00:00:01", "ELM327 v1.5"),
		New("2", "00:00:00:00:00:02", "Vgate iCar Pro"),
	}
	sort.SliceStable(devs, func(i, j int) bool {
		return devs[i].CompatibilityScore > devs[j].CompatibilityScore
	})

	for i, expected := range []string{"ELM327 v1.5", "Vgate iCar Pro", "Generic BT Speaker"} {
		if devs[i].Name != expected {
			t.Fatalf("unexpected device at rank %d, want `%s`, have `%s`", i, expected, devs[i].Name)
		}
	}
}

func TestNew(t *testing.T) {
	d := New("abcdef123", " aa:bb:cc:dd:ee:ff ", "")
	if d.Address != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("address not normalized: %s", d.Address)
	}
	if d.Name != "Unknown Device (abcde)" || !d.HasPlaceholderName() {
		t.Fatalf("unexpected placeholder name: %s", d.Name)
	}
	if d.CompatibilityScore != ScoreDefault || d.Class != ClassGeneric {
		t.Fatalf("unexpected score / class for unnamed device: %d / %s", d.CompatibilityScore, d.Class)
	}

	d = New("", "11:22:33:44:55:66", "ELM327")
	if d.ID != d.Address {
		t.Fatalf("expected address to be used as fallback ID, have `%s`", d.ID)
	}

	withSignal := d.WithSignal(-60)
	clone := withSignal.Clone()
	*clone.SignalStrength = -10
	if *withSignal.SignalStrength != -60 {
		t.Fatalf("clone shares signal strength with original")
	}
}

func TestSavedDevice(t *testing.T) {
	s := SavedDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "OBDII"}
	d := s.Device()
	if !d.IsPaired || d.IsConnected {
		t.Fatalf("unexpected pairing / connection state for saved device: %v / %v", d.IsPaired, d.IsConnected)
	}
	if d.Class != ClassOBD2 {
		t.Fatalf("unexpected class for saved device: %s", d.Class)
	}
}
