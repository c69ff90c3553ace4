package bridge

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Presence is the three-state indicator shown to the user.
type Presence string

const (
	PresenceOffline    Presence = "offline"
	PresenceConnecting Presence = "connecting"
	PresenceOnline     Presence = "online"
)

func (s Status) Presence() Presence {
	switch s {
	case StatusAuthenticated:
		return PresenceOnline
	case StatusConnecting, StatusConnected:
		return PresenceConnecting
	default:
		return PresenceOffline
	}
}

type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModeFallback  Mode = "http-fallback"
)

type ConnectionInfo struct {
	Status            Status
	Mode              Mode
	ReconnectAttempts int
	Fallback          bool
}
