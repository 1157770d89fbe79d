package macutil

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"already canonical", "B8F862F9C1C4", "B8F862F9C1C4", true},
		{"colon separated lowercase", "b8:f8:62:f9:c1:c4", "B8F862F9C1C4", true},
		{"dash separated", "b8-f8-62-f9-c1-c4", "B8F862F9C1C4", true},
		{"space separated", "b8 f8 62 f9 c1 c4", "B8F862F9C1C4", true},
		{"test prefix passthrough", "test-rig-01", "TEST-RIG-01", true},
		{"system prefix passthrough", "system:gateway-self-check", "SYSTEM:GATEWAY-SELF-CHECK", true},
		{"virtual prefix passthrough", "virtual:cam-7", "VIRTUAL:CAM-7", true},
		{"too short", "B8F862F9C1", "", false},
		{"too long", "B8F862F9C1C4AB", "", false},
		{"non-hex characters", "ZZF862F9C1C4", "", false},
		{"empty", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.raw)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("Normalize(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
			}
		})
	}
}
