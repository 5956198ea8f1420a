package server

// uploadState holds the buffer and metadata of an in-progress chunked
// file transfer. It is owned exclusively by the connection goroutine that
// created it and never shared: a connection is either idle (nil) or
// uploading exactly one transfer. Chunk payloads are opaque to the relay;
// only their order is guaranteed end-to-end. A connection that closes
// mid-upload discards the buffer, so no partial file is ever relayed.
type uploadState struct {
	dest     string // protocol.BroadcastTarget or a peer username
	filename string
	size     int64 // declared size in bytes, informational
	chunks   []string
}

func (u *uploadState) addChunk(chunk string) {
	u.chunks = append(u.chunks, chunk)
}
