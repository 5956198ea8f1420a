package server

import (
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/ErinCastro/CHATAPP/pkg/protocol"
	"github.com/ErinCastro/CHATAPP/pkg/store"
)

// ErrClientQuit is returned when the client ends the connection with QUIT.
var ErrClientQuit = errors.New("client quit")

// clientConn is the per-connection protocol state machine. It starts
// unauthenticated, becomes authenticated on a successful LOGIN, and may
// hold at most one in-progress upload. All fields are owned by the
// connection's goroutine; shared state is only touched through the
// server's components.
type clientConn struct {
	server *Server
	conn   *SafeConn
	remote string
	sess   *Session     // nil until LOGIN succeeds
	upload *uploadState // nil while no transfer is in progress
}

func (c *clientConn) send(line string) error {
	return c.conn.WriteLine(line)
}

func (c *clientConn) sendOK(format string, args ...any) error {
	return c.send(protocol.OK(format, args...))
}

func (c *clientConn) sendErr(format string, args ...any) error {
	return c.send(protocol.Err(format, args...))
}

// requireLogin enforces the authentication precondition. When the
// connection is unauthenticated it reports the protocol error itself and
// returns ok=false.
func (c *clientConn) requireLogin() (bool, error) {
	if c.sess != nil {
		return true, nil
	}
	return false, c.sendErr("please LOGIN first")
}

// handleLine dispatches one trimmed, non-empty input line. The returned
// error is either a connection write failure or ErrClientQuit; protocol
// errors are reported to the client and leave the connection running.
func (c *clientConn) handleLine(line string) error {
	cmd, arg, rest := protocol.SplitCommand(line)

	// While a transfer is in progress only upload commands are valid.
	// Anything else is rejected without aborting the transfer.
	if c.upload != nil && cmd != "DATA" && cmd != "ATTACH_END" {
		return c.sendErr("upload in progress")
	}

	switch cmd {
	case "REGISTER":
		return c.handleRegister(arg, rest)
	case "LOGIN":
		return c.handleLogin(arg, rest)
	case "MSG":
		return c.handleMsg(arg, rest)
	case "DM":
		return c.handleDM(arg, rest)
	case "USERS":
		return c.handleUsers()
	case "HISTORY":
		return c.handleHistory(arg, rest)
	case "ATTACH":
		return c.handleAttach(arg, rest)
	case "DATA":
		return c.handleData(arg)
	case "ATTACH_END":
		return c.handleAttachEnd()
	case "READ":
		return c.handleRead(arg)
	case "TYPING":
		return c.handleTyping(arg, rest)
	case "QUIT":
		if err := c.sendOK("bye"); err != nil {
			return err
		}
		return ErrClientQuit
	default:
		return c.sendErr("unknown command")
	}
}

func (c *clientConn) handleRegister(user, pass string) error {
	pass = strings.TrimSpace(pass)
	if user == "" || pass == "" {
		return c.sendErr("usage: REGISTER <user> <pass>")
	}
	if !protocol.ValidUsername(user) {
		return c.sendErr("invalid username")
	}
	if user == systemSender {
		return c.sendErr("reserved username")
	}

	if err := c.server.creds.Create(user, pass); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return c.sendErr("username exists")
		}
		return c.sendErr("registration failed")
	}

	c.server.metrics.RecordRegistration()
	log.Printf("Registered user %s", user)
	return c.sendOK("registered %s", user)
}

func (c *clientConn) handleLogin(user, pass string) error {
	s := c.server

	if c.sess != nil {
		return c.sendErr("already logged in")
	}
	if user == "" {
		return c.sendErr("usage: LOGIN <user> [<pass>]")
	}
	if !protocol.ValidUsername(user) {
		return c.sendErr("invalid username")
	}
	if user == systemSender {
		return c.sendErr("reserved username")
	}

	// A registered username always needs its password, even when the
	// server runs with the open policy.
	if s.requirePassword || s.creds.Exists(user) {
		if pass == "" {
			return c.sendErr("usage: LOGIN <user> <pass>")
		}
		if !s.creds.Exists(user) {
			s.metrics.RecordLogin("unknown_user")
			return c.sendErr("unknown user")
		}
		if !s.creds.Verify(user, pass) {
			s.metrics.RecordLogin("bad_password")
			return c.sendErr("bad password")
		}
	}

	sess, ok := s.sessions.Register(user, c.conn, c.remote)
	if !ok {
		s.metrics.RecordLogin("already_online")
		return c.sendErr("user already online")
	}
	c.sess = sess

	s.metrics.RecordLogin("ok")
	log.Printf("Session %d: %s logged in from %s", sess.ID, user, c.remote)

	if err := c.sendOK("logged in as %s", user); err != nil {
		return err
	}
	s.router.Notice(user + " joined the chat")

	if s.historyEnabled {
		return c.replayLoginHistory()
	}
	return nil
}

// replayLoginHistory sends the newly connected client its recent
// history, bracketed by explicit start/end markers so the client can
// tell replay from live traffic.
func (c *clientConn) replayLoginHistory() error {
	s := c.server
	n := s.config.History.ReplayCount

	if err := c.sendOK("history start"); err != nil {
		return err
	}
	for _, r := range s.history.LastBroadcast(n) {
		if err := c.send(protocol.Broadcast(s.router.NextDeliveryID(), r.Sender, r.Text)); err != nil {
			return err
		}
	}
	user := c.sess.Username
	for _, r := range s.history.LastDirectFor(user, n) {
		if err := c.sendDirectRecord(r, user); err != nil {
			return err
		}
	}
	s.metrics.RecordHistoryReplay()
	return c.sendOK("history end")
}

// sendDirectRecord replays one persisted direct message from user's
// point of view: incoming messages as plain DM events, outgoing ones as
// recipient-tagged echoes.
func (c *clientConn) sendDirectRecord(r store.DirectRecord, user string) error {
	id := c.server.router.NextDeliveryID()
	switch {
	case r.To == user:
		return c.send(protocol.Direct(id, r.From, r.Text))
	case r.From == user:
		return c.send(protocol.DirectEcho(id, user, r.To, r.Text))
	}
	return nil
}

func (c *clientConn) handleMsg(target, text string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	if target == "" || text == "" {
		return c.sendErr("usage: MSG %s <text>", protocol.BroadcastTarget)
	}
	if target != protocol.BroadcastTarget {
		return c.sendErr("only %s is supported", protocol.BroadcastTarget)
	}
	if len(text) > c.server.config.Limits.MaxMessageLength {
		return c.sendErr("message too long")
	}

	// Logged before routing: the sender's echo delivery doubles as the
	// acknowledgement, so the record must be durable first.
	if c.server.historyEnabled {
		c.server.history.AppendBroadcast(c.sess.Username, text)
	}
	c.server.router.Broadcast(c.sess.Username, text)
	return nil
}

func (c *clientConn) handleDM(to, text string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	if to == "" || text == "" {
		return c.sendErr("usage: DM <user> <text>")
	}
	text = strings.TrimSpace(text)
	if _, online := c.server.sessions.Get(to); !online {
		return c.sendErr("user not online")
	}
	if text == "" {
		return c.sendErr("empty message")
	}
	if len(text) > c.server.config.Limits.MaxMessageLength {
		return c.sendErr("message too long")
	}

	if c.server.historyEnabled {
		c.server.history.AppendDirect(c.sess.Username, to, text)
	}
	if _, delivered := c.server.router.DirectDeliver(c.sess.Username, to, text); !delivered {
		// Recipient disconnected between the check and the delivery.
		return c.sendErr("user not online")
	}
	return c.sendOK("dm sent to %s", to)
}

func (c *clientConn) handleUsers() error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	return c.send(protocol.UserList(c.server.sessions.Usernames()))
}

func (c *clientConn) handleHistory(target, rest string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	if !c.server.historyEnabled {
		return c.sendErr("history disabled")
	}

	switch {
	case strings.EqualFold(target, protocol.BroadcastTarget):
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return c.sendErr("history count must be a number")
		}
		return c.replayBroadcastHistory(n)

	case strings.EqualFold(target, "DM"):
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return c.sendErr("usage: HISTORY %s <n> | HISTORY DM <user> <n>", protocol.BroadcastTarget)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return c.sendErr("history count must be a number")
		}
		return c.replayDirectHistory(fields[0], n)

	default:
		return c.sendErr("usage: HISTORY %s <n> | HISTORY DM <user> <n>", protocol.BroadcastTarget)
	}
}

func (c *clientConn) replayBroadcastHistory(n int) error {
	s := c.server
	if err := c.sendOK("history start"); err != nil {
		return err
	}
	for _, r := range s.history.LastBroadcast(n) {
		if err := c.send(protocol.Broadcast(s.router.NextDeliveryID(), r.Sender, r.Text)); err != nil {
			return err
		}
	}
	s.metrics.RecordHistoryReplay()
	return c.sendOK("history end")
}

func (c *clientConn) replayDirectHistory(peer string, n int) error {
	s := c.server
	user := c.sess.Username
	if err := c.sendOK("history start"); err != nil {
		return err
	}
	for _, r := range s.history.LastDirectBetween(user, peer, n) {
		if err := c.sendDirectRecord(r, user); err != nil {
			return err
		}
	}
	s.metrics.RecordHistoryReplay()
	return c.sendOK("history end")
}

func (c *clientConn) handleAttach(dest, rest string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	fields := strings.Fields(rest)
	if dest == "" || len(fields) != 2 {
		return c.sendErr("usage: ATTACH (%s|<user>) <filename> <size>", protocol.BroadcastTarget)
	}
	filename := fields[0]
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return c.sendErr("invalid size")
	}
	if dest != protocol.BroadcastTarget {
		if _, online := c.server.sessions.Get(dest); !online {
			return c.sendErr("user not online")
		}
	}

	c.upload = &uploadState{dest: dest, filename: filename, size: size}
	debugLog.Printf("Session %d: upload of %s (%d bytes) to %s started", c.sess.ID, filename, size, dest)
	return c.sendOK("upload started")
}

func (c *clientConn) handleData(chunk string) error {
	if c.upload == nil {
		return c.sendErr("no upload in progress")
	}
	if chunk == "" {
		return c.sendErr("usage: DATA <base64chunk>")
	}
	// Chunks are opaque: order is preserved, content is not inspected.
	c.upload.addChunk(chunk)
	return nil
}

func (c *clientConn) handleAttachEnd() error {
	if c.upload == nil {
		return c.sendErr("no upload in progress")
	}
	up := c.upload
	c.upload = nil

	id, delivered := c.server.router.RelayFile(c.sess.Username, up)
	if !delivered {
		return c.sendErr("user not online")
	}
	debugLog.Printf("Session %d: relayed %s (%d chunks) to %s as delivery %d",
		c.sess.ID, up.filename, len(up.chunks), up.dest, id)
	return c.sendOK("file relayed")
}

func (c *clientConn) handleRead(arg string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return c.sendErr("usage: READ <id>")
	}
	// No acknowledgement; unknown or expired ids are silently ignored.
	c.server.router.ReadReceipt(id, c.sess.Username)
	return nil
}

func (c *clientConn) handleTyping(target, rest string) error {
	ok, err := c.requireLogin()
	if !ok {
		return err
	}
	state := strings.ToUpper(strings.TrimSpace(rest))
	if target == "" || (state != protocol.TypingStart && state != protocol.TypingStop) {
		return c.sendErr("usage: TYPING (%s|<user>) START|STOP", protocol.BroadcastTarget)
	}
	if target == protocol.BroadcastTarget {
		c.server.router.TypingBroadcast(c.sess.Username, state)
	} else {
		c.server.router.TypingDirect(c.sess.Username, target, state)
	}
	return nil
}
