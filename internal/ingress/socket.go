package ingress

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// socketServer is the local side channel spec §4.1 requires: a 0600 Unix
// domain socket that accepts the command "get_logs" and replies with the
// JSON-encoded recent-logs ring.
type socketServer struct {
	listener net.Listener
	status   StatusProvider
	log      zerolog.Logger
}

func newSocketServer(path string, status StatusProvider, log zerolog.Logger) (*socketServer, error) {
	_ = os.Remove(path) // a stale socket from a prior crash must not block bind
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, err
	}
	return &socketServer{listener: listener, status: status, log: log.With().Str("component", "ingress-socket").Logger()}, nil
}

func (s *socketServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *socketServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	cmd := strings.TrimSpace(scanner.Text())

	switch cmd {
	case "get_logs":
		var logs []byte
		if s.status != nil {
			logs, _ = json.Marshal(s.status.RecentLogs())
		} else {
			logs = []byte("[]")
		}
		_, _ = conn.Write(append(logs, '\n'))
	default:
		_, _ = conn.Write([]byte(`{"error":"unknown command"}` + "\n"))
	}
}

func (s *socketServer) Close() {
	_ = s.listener.Close()
}
