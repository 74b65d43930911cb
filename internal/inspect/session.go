package inspect

import (
	"bufio"
	"errors"
	"net"
	"strings"

	"github.com/nerrad567/ecatd/internal/infrastructure/logging"
)

// action tells the session what to do after writing a response.
type action int

const (
	actionContinue action = iota
	actionClose
)

// session is one connected client.
type session struct {
	id     string
	slot   int
	conn   net.Conn
	server *Server
	logger *logging.Logger

	w    *bufio.Writer
	prev string
}

func newSession(id string, conn net.Conn, server *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With("session", id, "remote", conn.RemoteAddr().String()),
		w:      bufio.NewWriter(conn),
	}
}

// serve reads commands until the client leaves, a write fails or a command
// closes the connection.
func (s *session) serve() {
	defer s.conn.Close() //nolint:errcheck // Session teardown

	s.logger.Info("client connected", "slot", s.slot)
	defer s.logger.Info("client disconnected", "slot", s.slot)

	maxLine := s.server.cfg.MaxLine
	scanner := bufio.NewScanner(s.conn)
	// Room for the terminator so a line of exactly maxLine fits.
	scanner.Buffer(make([]byte, 0, 4096), maxLine+2)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if len(line) > maxLine {
			s.tooLong()
			return
		}

		s.server.commands.Add(1)
		lines, act := s.handle(line)
		if err := s.reply(lines, act); err != nil {
			s.logger.Debug("write failed", "error", err)
			return
		}
		if act == actionClose {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.tooLong()
			return
		}
		s.logger.Debug("read failed", "error", err)
	}
}

func (s *session) tooLong() {
	s.logger.Warn("closing client, message too long", "max_line", s.server.cfg.MaxLine)
	_ = s.reply([]string{"err: message too long"}, actionClose)
}

// reply writes the response lines and, unless the connection is closing,
// the trailing "ok".
func (s *session) reply(lines []string, act action) error {
	for _, l := range lines {
		if _, err := s.w.WriteString(l); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if act != actionClose {
		if _, err := s.w.WriteString("ok\n"); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// handle resolves an empty line to the previous command and runs it.
func (s *session) handle(line string) ([]string, action) {
	if strings.TrimSpace(line) == "" {
		if s.prev == "" {
			return []string{"err: No previous command available."}, actionContinue
		}
		line = s.prev
	} else {
		s.prev = line
	}
	return s.server.execute(s, line)
}
