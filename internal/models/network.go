package models

// EffectiveType is the coarse network quality class reported by the platform.
type EffectiveType string

const (
	EffectiveTypeSlow2G  EffectiveType = "slow-2g"
	EffectiveType2G      EffectiveType = "2g"
	EffectiveType3G      EffectiveType = "3g"
	EffectiveType4G      EffectiveType = "4g"
	EffectiveTypeUnknown EffectiveType = "unknown"
)

// ParseEffectiveType maps a platform string onto a known class, defaulting to unknown.
func ParseEffectiveType(s string) EffectiveType {
	switch t := EffectiveType(s); t {
	case EffectiveTypeSlow2G, EffectiveType2G, EffectiveType3G, EffectiveType4G:
		return t
	default:
		return EffectiveTypeUnknown
	}
}

// NetworkInfo is refreshed on every platform network-change notification.
type NetworkInfo struct {
	IsOnline      bool          `json:"isOnline"`
	EffectiveType EffectiveType `json:"effectiveType"`
}

// BatteryInfo is only available on platforms with battery introspection.
type BatteryInfo struct {
	Level    float64 `json:"level"` // 0-100
	Charging bool    `json:"charging"`
}
