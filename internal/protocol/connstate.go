// Package protocol serves the client and operator command set over RESP.
package protocol

import "github.com/tidwall/redcon"

// ConnState holds per-connection state.
type ConnState struct {
	// Asking is set by ASKING and lets the next command reach a slot this
	// node is importing. It is cleared after that command.
	Asking bool
}

func getConnState(conn redcon.Conn) *ConnState {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			return state
		}
	}
	state := &ConnState{}
	conn.SetContext(state)
	return state
}

func clearAsking(conn redcon.Conn) {
	if state, ok := conn.Context().(*ConnState); ok {
		state.Asking = false
	}
}
