package ir

import "fmt"

// Tier classifies how strongly an instance's identity has been verified.
// Tiers are totally ordered: DeviceBound < HardwareAttested < OAuthVerified.
type Tier int

const (
	// TierUnknown is the zero value; it never satisfies a policy.
	TierUnknown Tier = iota
	// TierDeviceBound is a keypair generated on the device.
	TierDeviceBound
	// TierHardwareAttested is a key held by attested hardware (TPM, enclave).
	TierHardwareAttested
	// TierOAuthVerified is a key bound to an OAuth / OIDC identity.
	TierOAuthVerified
)

var tierNames = map[Tier]string{
	TierUnknown:          "unknown",
	TierDeviceBound:      "device-bound",
	TierHardwareAttested: "hardware-attested",
	TierOAuthVerified:    "oauth-verified",
}

// ParseTier parses the dashed tier name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s && t != TierUnknown {
			return t, nil
		}
	}
	return TierUnknown, fmt.Errorf("unknown trust tier %q", s)
}

// Valid reports whether t is one of the three defined tiers.
func (t Tier) Valid() bool {
	return t >= TierDeviceBound && t <= TierOAuthVerified
}

// String implements fmt.Stringer.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "unknown" and the
// empty string decode to TierUnknown so zero values round-trip.
func (t *Tier) UnmarshalText(text []byte) error {
	if s := string(text); s == "" || s == tierNames[TierUnknown] {
		*t = TierUnknown
		return nil
	}
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
