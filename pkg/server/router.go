package server

import (
	"sync"
	"sync/atomic"

	"github.com/ErinCastro/CHATAPP/pkg/protocol"
)

// systemSender is the reserved sender name for server-originated notices.
const systemSender = "server"

// readReceiptWindow bounds how many recent direct deliveries are kept for
// read-receipt correlation.
const readReceiptWindow = 1024

// Router delivers formatted protocol events to sessions. Every outbound
// MSG/DM/FILE event carries a delivery id from a single monotonically
// increasing counter; ids are never reused for the lifetime of the
// process. The router never blocks on a slow recipient beyond that
// recipient's own socket buffer: fan-out iterates a registry snapshot and
// each write only takes the target connection's write mutex.
type Router struct {
	sessions *SessionManager
	metrics  *Metrics

	nextDeliveryID atomic.Uint64

	// Recent direct deliveries, id -> sender, for READ correlation.
	dmMu      sync.Mutex
	dmSenders map[uint64]string
	dmOrder   []uint64
}

// NewRouter creates a router over the given session registry.
func NewRouter(sessions *SessionManager, metrics *Metrics) *Router {
	return &Router{
		sessions:  sessions,
		metrics:   metrics,
		dmSenders: make(map[uint64]string),
	}
}

// NextDeliveryID allocates the next delivery id.
func (r *Router) NextDeliveryID() uint64 {
	return r.nextDeliveryID.Add(1)
}

// Broadcast routes a channel message to every registered session,
// including the sender: the sender's own UI receives its message back as
// confirmation.
func (r *Router) Broadcast(from, text string) uint64 {
	id := r.NextDeliveryID()
	r.fanOut(protocol.Broadcast(id, from, text))
	r.metrics.RecordBroadcast()
	return id
}

// Notice broadcasts a server-originated message (joins, departures).
func (r *Router) Notice(text string) uint64 {
	return r.Broadcast(systemSender, text)
}

// DirectDeliver routes a direct message to the recipient and an echo,
// tagged with the recipient's name, back to the sender. Returns ok=false
// without side effects if the recipient is not registered.
func (r *Router) DirectDeliver(from, to, text string) (uint64, bool) {
	target, online := r.sessions.Get(to)
	if !online {
		return 0, false
	}

	id := r.NextDeliveryID()
	r.rememberDirect(id, from)
	r.deliver(target, protocol.Direct(id, from, text))
	if self, ok := r.sessions.Get(from); ok {
		r.deliver(self, protocol.DirectEcho(id, from, to, text))
	}
	r.metrics.RecordDirectMessage()
	return id, true
}

// RelayFile forwards a completed upload: a FILE header, every buffered
// chunk in original order, then the end marker. Broadcast uploads go to
// every registered session; direct uploads go to the recipient plus an
// echo sequence to the sender. Returns ok=false if a direct recipient
// went offline since the upload started.
func (r *Router) RelayFile(from string, up *uploadState) (uint64, bool) {
	id := r.NextDeliveryID()

	if up.dest == protocol.BroadcastTarget {
		for _, sess := range r.sessions.Snapshot() {
			r.sendFile(sess, protocol.FileBroadcast(id, from, up.filename, up.size), id, up.chunks)
		}
		r.metrics.RecordFileRelayed()
		return id, true
	}

	target, online := r.sessions.Get(up.dest)
	if !online {
		return 0, false
	}
	r.sendFile(target, protocol.FileDirect(id, from, up.filename, up.size), id, up.chunks)
	if self, ok := r.sessions.Get(from); ok {
		r.sendFile(self, protocol.FileEcho(id, from, up.dest, up.filename, up.size), id, up.chunks)
	}
	r.metrics.RecordFileRelayed()
	return id, true
}

// TypingBroadcast relays a channel typing indicator to every session
// except the typist.
func (r *Router) TypingBroadcast(from, state string) {
	line := protocol.Typing(from, protocol.BroadcastTarget, state)
	for _, sess := range r.sessions.Snapshot() {
		if sess.Username == from {
			continue
		}
		r.deliver(sess, line)
	}
}

// TypingDirect relays a typing indicator to one peer. Silently dropped if
// the peer is offline; typing state is transient and not worth an error.
func (r *Router) TypingDirect(from, to, state string) {
	if target, online := r.sessions.Get(to); online {
		r.deliver(target, protocol.Typing(from, to, state))
	}
}

// ReadReceipt forwards a read receipt to the sender of the direct message
// with the given delivery id, if that delivery is still remembered and
// the sender is online.
func (r *Router) ReadReceipt(id uint64, by string) {
	r.dmMu.Lock()
	sender, ok := r.dmSenders[id]
	r.dmMu.Unlock()
	if !ok {
		return
	}
	if target, online := r.sessions.Get(sender); online {
		r.deliver(target, protocol.ReadReceipt(id, by))
	}
}

// fanOut writes one line to every registered session.
func (r *Router) fanOut(line string) {
	for _, sess := range r.sessions.Snapshot() {
		r.deliver(sess, line)
	}
}

// sendFile writes a full file event sequence to one session.
func (r *Router) sendFile(sess *Session, header string, id uint64, chunks []string) {
	if err := sess.Conn.WriteLine(header); err != nil {
		r.drop(sess, err)
		return
	}
	for _, chunk := range chunks {
		if err := sess.Conn.WriteLine(protocol.FileData(id, chunk)); err != nil {
			r.drop(sess, err)
			return
		}
	}
	if err := sess.Conn.WriteLine(protocol.FileEnd(id)); err != nil {
		r.drop(sess, err)
	}
}

// deliver writes one line to a session, dropping the session on failure.
func (r *Router) deliver(sess *Session, line string) {
	if err := sess.Conn.WriteLine(line); err != nil {
		r.drop(sess, err)
	}
}

// drop unregisters a session whose connection broke mid-delivery and
// broadcasts its departure. The routing call that hit the failure still
// completes for every other recipient; only the broken session is
// affected.
func (r *Router) drop(sess *Session, err error) {
	if !r.sessions.Unregister(sess) {
		return
	}
	errorLog.Printf("Dropping session %d (%s): write failed: %v", sess.ID, sess.Username, err)
	r.metrics.RecordDeliveryFailure()
	sess.Conn.Close()
	r.Notice(sess.Username + " left the chat")
}

func (r *Router) rememberDirect(id uint64, sender string) {
	r.dmMu.Lock()
	defer r.dmMu.Unlock()
	r.dmSenders[id] = sender
	r.dmOrder = append(r.dmOrder, id)
	for len(r.dmOrder) > readReceiptWindow {
		delete(r.dmSenders, r.dmOrder[0])
		r.dmOrder = r.dmOrder[1:]
	}
}
