package fastcgi

// BeginRequestWireSize is the fixed size of a BEGIN_REQUEST record: an
// 8-byte header plus an 8-byte body, which is already a multiple of 8 so
// the record carries no padding.
const BeginRequestWireSize = HeaderSize + 8

// flagsOffset is the BEGIN_REQUEST body's flags byte position within the
// full 16-byte wire record (header + body).
const flagsOffset = HeaderSize + 2

// ClearKeepConn clears the FCGI_KEEP_CONN bit of a BEGIN_REQUEST record
// in place. buf must hold at least BeginRequestWireSize contiguous bytes
// starting at the record's first header byte; it reports false if not
// enough bytes are available yet, in which case the caller should buffer
// more input before retrying.
//
// The scheduler always owns the keep-alive decision with the client; the
// connection it hands a worker is single-request regardless of what the
// client asked for, so this bit is always cleared before the record
// reaches a worker. Because BEGIN_REQUEST is the very first thing a client
// sends and the rewrite must happen before any byte reaches the worker,
// the dispatcher accumulates a short replay buffer until it has these 16
// contiguous bytes, rewrites the flags byte, and only then starts the
// splice with the rewritten bytes replayed first.
func ClearKeepConn(buf []byte) bool {
	if len(buf) < BeginRequestWireSize {
		return false
	}
	buf[flagsOffset] &^= FlagKeepConn
	return true
}
