package store

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BroadcastRecord is one persisted channel message.
type BroadcastRecord struct {
	Timestamp int64 // unix milliseconds
	Sender    string
	Text      string
}

// DirectRecord is one persisted direct message.
type DirectRecord struct {
	Timestamp int64 // unix milliseconds
	From      string
	To        string
	Text      string
}

// HistoryLog is the append-only record of broadcast and direct messages.
// Each record is one tab-separated line; free-text fields are escaped so
// the separator, newlines and the escape character round-trip exactly.
// Appends are serialized under a single mutex so interleaved writes from
// concurrent connections never corrupt a record. Reads scan the whole
// log; they only happen at login and on explicit history requests.
type HistoryLog struct {
	generalPath string
	dmPath      string
	mu          sync.Mutex
}

// NewHistoryLog creates a history log backed by the two given files.
// Missing files read as empty histories.
func NewHistoryLog(generalPath, dmPath string) *HistoryLog {
	return &HistoryLog{generalPath: generalPath, dmPath: dmPath}
}

// AppendBroadcast records a channel message. Write failures are logged
// and swallowed: persistence is best-effort and must never fail the
// connection that sent the message.
func (h *HistoryLog) AppendBroadcast(sender, text string) {
	line := fmt.Sprintf("%d\t%s\t%s", time.Now().UnixMilli(), Escape(sender), Escape(text))
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := appendLine(h.generalPath, line); err != nil {
		log.Printf("Failed to write general history: %v", err)
	}
}

// AppendDirect records a direct message.
func (h *HistoryLog) AppendDirect(from, to, text string) {
	line := fmt.Sprintf("%d\t%s\t%s\t%s", time.Now().UnixMilli(), Escape(from), Escape(to), Escape(text))
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := appendLine(h.dmPath, line); err != nil {
		log.Printf("Failed to write dm history: %v", err)
	}
}

// LastBroadcast returns at most n channel messages, oldest first.
func (h *HistoryLog) LastBroadcast(n int) []BroadcastRecord {
	var records []BroadcastRecord
	h.scan(h.generalPath, 3, func(fields []string) {
		records = append(records, BroadcastRecord{
			Timestamp: parseTimestamp(fields[0]),
			Sender:    Unescape(fields[1]),
			Text:      Unescape(fields[2]),
		})
	})
	return records[tailStart(len(records), n):]
}

// LastDirectFor returns at most n direct messages where user is the
// sender or the recipient, oldest first.
func (h *HistoryLog) LastDirectFor(user string, n int) []DirectRecord {
	return h.lastDirect(n, func(r DirectRecord) bool {
		return r.From == user || r.To == user
	})
}

// LastDirectBetween returns at most n direct messages exchanged by
// exactly the pair (a, b), oldest first.
func (h *HistoryLog) LastDirectBetween(a, b string, n int) []DirectRecord {
	return h.lastDirect(n, func(r DirectRecord) bool {
		return (r.From == a && r.To == b) || (r.From == b && r.To == a)
	})
}

func (h *HistoryLog) lastDirect(n int, match func(DirectRecord) bool) []DirectRecord {
	var records []DirectRecord
	h.scan(h.dmPath, 4, func(fields []string) {
		r := DirectRecord{
			Timestamp: parseTimestamp(fields[0]),
			From:      Unescape(fields[1]),
			To:        Unescape(fields[2]),
			Text:      Unescape(fields[3]),
		}
		if match(r) {
			records = append(records, r)
		}
	})
	return records[tailStart(len(records), n):]
}

// scan reads every well-formed record line from path and hands its
// fields to fn. Malformed lines are skipped.
func (h *HistoryLog) scan(path string, fieldCount int, fn func(fields []string)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Failed to read history log %s: %v", path, err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", fieldCount)
		if len(fields) == fieldCount {
			fn(fields)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Failed to scan history log %s: %v", path, err)
	}
}

func parseTimestamp(s string) int64 {
	ts, _ := strconv.ParseInt(s, 10, 64)
	return ts
}

func tailStart(total, n int) int {
	if n < 0 {
		n = 0
	}
	if total <= n {
		return 0
	}
	return total - n
}

// Escape neutralizes the record separator, newlines and the escape
// character inside a free-text field. Unescape reverses it exactly.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences pass through
// unchanged so records written by older builds still parse.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 't':
				b.WriteByte('\t')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
