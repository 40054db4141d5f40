package session

import (
	"strings"

	"github.com/drunlade/mesh-zmodem/mesh"
)

// Command syntax on the command port (ASCII, case-sensitive):
//
//	SEND:!<hex-node-id>:/<abs-path>   start sending a local file to a node
//	RECV:/<abs-path>                  start receiving into a local file
//
// Every command gets a text reply: "OK: <action> <path>" or
// "Error: <reason>".

// HandleCommand parses and executes one command-port message and returns
// the reply text.
func (c *Controller) HandleCommand(msg string, from mesh.NodeID) string {
	c.logger.Info("command from %s: %q", from, msg)

	switch {
	case strings.HasPrefix(msg, "SEND:"):
		return c.handleSend(msg[len("SEND:"):])
	case strings.HasPrefix(msg, "RECV:"):
		return c.handleRecv(msg[len("RECV:"):])
	}
	return "Error: unknown command"
}

func (c *Controller) handleSend(args string) string {
	idPart, path, found := strings.Cut(args, ":")
	if !found {
		return "Error: SEND requires a node id and a path"
	}
	peer, err := mesh.ParseNodeID(idPart)
	if err != nil {
		return "Error: " + err.Error()
	}
	if !strings.HasPrefix(path, "/") {
		return "Error: path must start with '/'"
	}
	if err := c.StartSend(peer, path); err != nil {
		return "Error: " + err.Error()
	}
	return "OK: SEND " + path
}

func (c *Controller) handleRecv(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "Error: path must start with '/'"
	}
	if err := c.StartReceive(path); err != nil {
		return "Error: " + err.Error()
	}
	return "OK: RECV " + path
}
