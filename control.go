package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// controlTarget is the part of the server the control socket drives.
type controlTarget interface {
	GetStats() string
	Shutdown(reason string, until time.Time)
}

type controlSocket struct {
	path     string
	listener net.Listener
	target   controlTarget
	log      *slog.Logger
}

// startControlSocket listens on the unix socket at path for stats and
// shutdown commands, one per connection.
func startControlSocket(path string, target controlTarget, logger *slog.Logger) (*controlSocket, error) {
	// a stale socket from a crashed run blocks Listen
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	cs := &controlSocket{
		path:     path,
		listener: listener,
		target:   target,
		log:      logger.With("component", "control"),
	}
	cs.log.Info("control socket listening", "path", path)
	go cs.serve()
	return cs, nil
}

func (cs *controlSocket) Close() error {
	err := cs.listener.Close()
	os.Remove(cs.path)
	return err
}

func (cs *controlSocket) serve() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			cs.log.Warn("control accept failed", "error", err)
			continue
		}
		go cs.handle(conn)
	}
}

// handle answers stats with OK|<stats> and shutdown|reason|until with
// OK|Shutting down before starting the shutdown.
func (cs *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", cs.target.GetStats())

	case "shutdown":
		reason := "maintenance"
		var until time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			until, err = time.Parse(time.RFC3339, parts[2])
			if err != nil {
				fmt.Fprintf(conn, "ERROR|Invalid time %s\n", parts[2])
				return
			}
		}

		fmt.Fprint(conn, "OK|Shutting down\n")
		cs.log.Info("shutdown requested", "reason", reason, "until", until)
		go cs.target.Shutdown(reason, until)

	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}

// sendControlCommand sends one command to a running server and returns its
// reply line.
func sendControlCommand(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if msg, ok := strings.CutPrefix(reply, "ERROR|"); ok {
		return "", errors.New(msg)
	}
	return strings.TrimPrefix(reply, "OK|"), nil
}
