package feed

import "fmt"

// State is the feed connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
	StateFailed
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	case StateFailed:
		return "FAILED"
	case StatePolling:
		return "POLLING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := State(0); st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Mode selects how candles are obtained.
type Mode string

const (
	ModeStream Mode = "stream" // WebSocket only; FAILED is terminal
	ModePoll   Mode = "poll"   // REST polling only
	ModeAuto   Mode = "auto"   // stream, falling back to polling on FAILED
)

// Intervals accepted by Start.
var Intervals = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true,
}
