package commands

import (
	"strings"

	"github.com/tidwall/redcon"
)

// respPrefixes are error codes clients act on; they are sent as is.
var respPrefixes = []string{"MOVED ", "ASK ", "CLUSTERDOWN ", "CROSSSLOT ", "TRYAGAIN ", "NOREPLICAS "}

// WriteError writes err as a RESP error, adding the generic ERR code unless
// the message already carries a code clients understand.
func WriteError(conn redcon.Conn, err error) {
	msg := err.Error()
	for _, p := range respPrefixes {
		if strings.HasPrefix(msg, p) {
			conn.WriteError(msg)
			return
		}
	}
	conn.WriteError("ERR " + msg)
}

func WrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}
