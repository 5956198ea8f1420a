package protocol

import (
	"fmt"
	"strings"
)

// OK formats a success response line.
func OK(format string, args ...any) string {
	return "OK " + fmt.Sprintf(format, args...)
}

// Err formats an error response line.
func Err(format string, args ...any) string {
	return "ERR " + fmt.Sprintf(format, args...)
}

// Broadcast formats a channel message event.
func Broadcast(id uint64, from, text string) string {
	return fmt.Sprintf("MSG %d %s %s %s", id, from, BroadcastTarget, text)
}

// Direct formats a direct message event as seen by the recipient.
func Direct(id uint64, from, text string) string {
	return fmt.Sprintf("DM %d %s %s", id, from, text)
}

// DirectEcho formats the sender-side copy of a direct message, tagged
// with the recipient so the sender's UI can render its own outgoing
// message in the right conversation.
func DirectEcho(id uint64, from, to, text string) string {
	return fmt.Sprintf("DM %d %s [to %s] %s", id, from, to, text)
}

// UserList formats the online-user listing.
func UserList(names []string) string {
	return "USERS " + strings.Join(names, ",")
}

// FileBroadcast formats the header of a file relayed to the shared channel.
func FileBroadcast(id uint64, from, filename string, size int64) string {
	return fmt.Sprintf("FILE %d %s %s %s %d", id, from, BroadcastTarget, filename, size)
}

// FileDirect formats the header of a file as seen by the recipient of a
// direct transfer.
func FileDirect(id uint64, from, filename string, size int64) string {
	return fmt.Sprintf("FILE %d %s %s %d", id, from, filename, size)
}

// FileEcho formats the sender-side header of a direct file transfer.
func FileEcho(id uint64, from, to, filename string, size int64) string {
	return fmt.Sprintf("FILE %d %s [to %s] %s %d", id, from, to, filename, size)
}

// FileData formats one chunk of a relayed file.
func FileData(id uint64, chunk string) string {
	return fmt.Sprintf("FILE_DATA %d %s", id, chunk)
}

// FileEnd formats the end-of-file marker.
func FileEnd(id uint64) string {
	return fmt.Sprintf("FILE_END %d", id)
}

// ReadReceipt formats a read receipt routed back to a message's sender.
func ReadReceipt(id uint64, by string) string {
	return fmt.Sprintf("READ %d %s", id, by)
}

// Typing formats a typing indicator. Target is either BroadcastTarget or
// the username the indicator is addressed to.
func Typing(from, target, state string) string {
	return fmt.Sprintf("TYPING %s %s %s", from, target, state)
}
