package models

// ConnectionState is the lifecycle state of a session's duplex channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Online reports whether messages can be sent in this state.
func (s ConnectionState) Online() bool {
	return s == StateConnected || s == StateDegraded
}

// Quality is the heartbeat-derived link estimate.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Credentials identify the session to the server in the authenticate message.
type Credentials struct {
	Token     string `json:"-"`
	CompanyID string `json:"companyId" validate:"required"`
	UserType  string `json:"userType" validate:"required,oneof=driver dispatcher"`
	DriverID  string `json:"driverId,omitempty" validate:"required_if=UserType driver"`
	UserID    string `json:"userId" validate:"required"`
}
