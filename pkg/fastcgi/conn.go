package fastcgi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrConnClosed is returned when a read finds the peer gone.
var ErrConnClosed = errors.New("fastcgi: connection closed")

// NullRequestID is the request id used for records, such as
// FCGI_UNKNOWN_TYPE and FCGI_GET_VALUES_RESULT, that are not tied to any
// particular request.
const NullRequestID uint16 = 0

// Conn is a thin FastCGI framing layer over a net.Conn. The supervisor's
// warm-up handshake uses it to speak the client side of the protocol to a
// freshly spawned worker over its rendezvous socket. The dispatcher does
// not use Conn: it writes its END_REQUEST answers as encoded Records
// directly, and once a request is admitted, bytes are spliced verbatim
// (see internal/dispatch).
type Conn struct {
	netConn      net.Conn
	reader       *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewConn wraps netConn for FastCGI record framing. A zero timeout means
// no deadline is set.
func NewConn(netConn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		netConn:      netConn,
		reader:       bufio.NewReader(netConn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// SendBeginRequest writes a BEGIN_REQUEST record, as the supervisor does to
// open the warm-up request against a newly spawned worker.
func (c *Conn) SendBeginRequest(requestID uint16, role uint16, keepConn bool) error {
	flags := uint8(0)
	if keepConn {
		flags = FlagKeepConn
	}
	body := BeginRequestBody{Role: role, Flags: flags}
	return c.writeRecord(NewRecord(TypeBeginRequest, requestID, body.Encode()))
}

// SendParams writes one PARAMS record. Passing a nil or empty slice writes
// the empty record that closes the parameter stream.
func (c *Conn) SendParams(requestID uint16, params []Param) error {
	var content []byte
	if len(params) > 0 {
		content = EncodeParams(params)
	}
	return c.writeRecord(NewRecord(TypeParams, requestID, content))
}

// SendStdin writes one STDIN record. Passing nil writes the empty record
// that closes the stdin stream.
func (c *Conn) SendStdin(requestID uint16, data []byte) error {
	return c.writeRecord(NewRecord(TypeStdin, requestID, data))
}

// SendEndRequest writes an END_REQUEST record with the given application
// and protocol status.
func (c *Conn) SendEndRequest(requestID uint16, appStatus uint32, protocolStatus uint8) error {
	body := EndRequestBody{AppStatus: appStatus, ProtocolStatus: protocolStatus}
	return c.writeRecord(NewRecord(TypeEndRequest, requestID, body.Encode()))
}

func (c *Conn) writeRecord(r *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.netConn.Write(r.Encode()); err != nil {
		return fmt.Errorf("fastcgi: write record: %w", err)
	}
	return nil
}

// ReadRecord reads and decodes a single complete record, blocking until one
// full record has arrived. It is used for the warm-up handshake's
// synchronous read of the worker's response, where incremental fragment
// tolerance is unnecessary because both ends are local and short-lived.
func (c *Conn) ReadRecord() (*Record, error) {
	if c.readTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	headerBytes, err := c.reader.Peek(HeaderSize)
	if err != nil {
		if err == io.EOF {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("fastcgi: peek header: %w", err)
	}

	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("fastcgi: decode header: %w", err)
	}

	total := HeaderSize + int(header.ContentLength) + int(header.PaddingLength)
	raw := make([]byte, total)
	if _, err := io.ReadFull(c.reader, raw); err != nil {
		if err == io.EOF {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("fastcgi: read record: %w", err)
	}

	record, _, err := DecodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("fastcgi: decode record: %w", err)
	}
	return record, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}
