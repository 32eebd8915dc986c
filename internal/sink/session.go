package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/shineum/scan-intake/internal/parser"
	"github.com/shineum/scan-intake/internal/provider"
)

// Session states.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

var errMessageTooLarge = errors.New("message exceeds maximum size")

// Session is one client connection to the capture relay.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	provider provider.Provider
	hostname string
	maxSize  int

	tlsConfig *tls.Config
	tlsActive bool

	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn.
func NewSession(conn net.Conn, auth *Authenticator, prov provider.Provider, hostname string, tlsConfig *tls.Config, maxSize int) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		provider:  prov,
		hostname:  hostname,
		maxSize:   maxSize,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the session until the client quits, disconnects, or ctx is
// cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP scan-intake sink", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250 SIZE %d", s.maxSize)
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.authPlain(initial)
	case "LOGIN":
		s.authLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) authPlain(initial string) {
	encoded := initial
	if encoded == "" {
		s.writeLine("334 ")
		line, ok := s.readResponse()
		if !ok {
			return
		}
		encoded = line
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		slog.Warn("sink authentication failed", "mechanism", "PLAIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) authLogin(initial string) {
	user := initial
	if user == "" {
		s.writeLine("334 VXNlcm5hbWU6")
		line, ok := s.readResponse()
		if !ok {
			return
		}
		user = line
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, ok := s.readResponse()
	if !ok {
		return
	}

	if err := s.auth.VerifyLogin(user, pass); err != nil {
		slog.Warn("sink authentication failed", "mechanism", "LOGIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// readResponse reads one AUTH continuation line. A "*" cancels the exchange.
func (s *Session) readResponse() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("failed to read AUTH response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr := extractAddress(arg[len("FROM:"):])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[len("TO:"):])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the dot-terminated message, parses it and hands it to the
// provider. It reports whether the connection must be dropped.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	defer s.resetTransaction()
	switch {
	case errors.Is(err, errMessageTooLarge):
		s.writeLine("552 Message exceeds fixed maximum message size")
		return false
	case err != nil:
		slog.Debug("error reading DATA", "error", err)
		return true
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("failed to parse captured message", "error", err)
		s.writeLine("554 Failed to parse message")
		return false
	}
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	// The envelope wins over the header for capture.
	msg.To = append([]string(nil), s.rcptTo...)

	id, err := s.provider.Send(ctx, msg)
	if err != nil {
		slog.Error("sink delivery failed",
			"provider", s.provider.Name(),
			"error", err,
		)
		var rejected *provider.RejectedError
		if errors.As(err, &rejected) {
			s.writeLine("550 %s", oneLine(rejected.Err))
		} else {
			s.writeLine("451 Temporary failure, please try again later")
		}
		return false
	}

	slog.Info("message captured",
		"provider", s.provider.Name(),
		"message_id", id,
		"from", msg.From,
		"recipients", len(msg.To),
		"attachments", len(msg.Attachments),
	)
	s.writeLine("250 OK queued as %s", id)
	return false
}

// readData reads the DATA payload with dot-unstuffing. Oversized messages
// are drained to the terminator so the session can continue.
func (s *Session) readData() ([]byte, error) {
	dot := textproto.NewReader(s.reader).DotReader()
	buf, err := io.ReadAll(io.LimitReader(dot, int64(s.maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > s.maxSize {
		if _, err := io.Copy(io.Discard, dot); err != nil {
			return nil, err
		}
		return nil, errMessageTooLarge
	}
	return buf, nil
}

// resetTransaction clears the envelope without touching greeting or auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress extracts the address from a MAIL/RCPT parameter, dropping
// angle brackets and any ESMTP parameters that follow.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}

func oneLine(err error) string {
	if err == nil {
		return "Message rejected"
	}
	return strings.Join(strings.Fields(err.Error()), " ")
}
