package ui

import (
	"errors"
	"strings"

	"relaychat/network"
)

var errNoActivePeer = errors.New("not chatting with anyone; use /connect <user> or /msg <user> <text>")

type commandKind int

const (
	cmdNone commandKind = iota
	cmdMessage
	cmdConnect
	cmdDisconnect
	cmdList
	cmdPeers
	cmdUse
	cmdName
	cmdSend
	cmdTransfers
	cmdRaw
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	peer string
	text string
	path string
	raw  network.Frame
}

type usageError string

func (e usageError) Error() string {
	return "usage: " + string(e)
}

const helpText = `commands:
  /name <username>        claim a username
  /connect <user>         start chatting with user
  /disconnect [user]      stop chatting (defaults to the active peer)
  /msg <user> <text>      send text to a paired user
  /use <user>             send plain lines to user
  /list                   ask the server who is online
  /peers                  show the last roster
  /send <user> <path>     push a file to user
  /transfers              show uploads and downloads
  /quit                   leave the server
  TAG|payload             send a raw frame
  anything else           message to the active peer`

// parseInput turns one console line into a command. active is the peer plain
// text goes to.
func parseInput(line, active string) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{kind: cmdNone}, nil
	}

	if strings.HasPrefix(trimmed, "/") {
		return parseSlashCommand(trimmed, active)
	}

	if frame, err := network.Decode([]byte(line)); err == nil {
		return command{kind: cmdRaw, raw: frame}, nil
	}

	if active == "" {
		return command{}, errNoActivePeer
	}
	return command{kind: cmdMessage, peer: active, text: line}, nil
}

func parseSlashCommand(line, active string) (command, error) {
	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "connect", "c":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, usageError("/connect <user>")
		}
		return command{kind: cmdConnect, peer: rest}, nil
	case "disconnect", "d":
		peer := rest
		if peer == "" {
			peer = active
		}
		if peer == "" || strings.Contains(peer, " ") {
			return command{}, usageError("/disconnect <user>")
		}
		return command{kind: cmdDisconnect, peer: peer}, nil
	case "msg", "m":
		peer, text, ok := strings.Cut(rest, " ")
		if !ok || peer == "" || strings.TrimSpace(text) == "" {
			return command{}, usageError("/msg <user> <text>")
		}
		return command{kind: cmdMessage, peer: peer, text: text}, nil
	case "use":
		if rest == "" {
			return command{}, usageError("/use <user>")
		}
		return command{kind: cmdUse, peer: rest}, nil
	case "name", "nick":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, usageError("/name <username>")
		}
		return command{kind: cmdName, text: rest}, nil
	case "send", "file":
		peer, path, ok := strings.Cut(rest, " ")
		path = strings.TrimSpace(path)
		if !ok || peer == "" || path == "" {
			return command{}, usageError("/send <user> <path>")
		}
		return command{kind: cmdSend, peer: peer, path: path}, nil
	case "list", "who":
		return command{kind: cmdList}, nil
	case "peers":
		return command{kind: cmdPeers}, nil
	case "transfers":
		return command{kind: cmdTransfers}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit", "q":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, usageError("/help")
	}
}
