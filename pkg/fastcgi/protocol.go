// Package fastcgi implements the wire-level FastCGI 1.0 protocol: record
// framing, name/value parameter encoding, and the incremental parsers used
// to turn an arbitrary stream of bytes into complete records and requests.
package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants, see the FastCGI 1.0 specification.
const (
	Version1 uint8 = 1

	TypeBeginRequest    uint8 = 1
	TypeAbortRequest    uint8 = 2
	TypeEndRequest      uint8 = 3
	TypeParams          uint8 = 4
	TypeStdin           uint8 = 5
	TypeStdout          uint8 = 6
	TypeStderr          uint8 = 7
	TypeData            uint8 = 8
	TypeGetValues       uint8 = 9
	TypeGetValuesResult uint8 = 10
	TypeUnknownType     uint8 = 11

	RoleResponder  uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter     uint16 = 3

	FlagKeepConn uint8 = 1

	StatusRequestComplete uint8 = 0
	StatusCantMultiplex   uint8 = 1
	StatusOverloaded      uint8 = 2
	StatusUnknownRole     uint8 = 3

	HeaderSize = 8

	// MaxContentLength is the largest content length a single record can
	// carry; longer payloads must be split across multiple records.
	MaxContentLength = 65535
)

// Header is the fixed 8-byte record header preceding every FastCGI record.
type Header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Encode writes the header's 8-byte wire form.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeInto(buf)
	return buf
}

// EncodeInto writes the header into buf, which must be at least HeaderSize
// bytes long. Used by the emitters to avoid an extra allocation per record.
func (h *Header) EncodeInto(buf []byte) {
	buf[0] = h.Version
	buf[1] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
}

// DecodeHeader parses an 8-byte header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("fastcgi: short header: %d bytes", len(data))
	}
	return Header{
		Version:       data[0],
		Type:          data[1],
		RequestID:     binary.BigEndian.Uint16(data[2:4]),
		ContentLength: binary.BigEndian.Uint16(data[4:6]),
		PaddingLength: data[6],
		Reserved:      data[7],
	}, nil
}

// paddedLength returns the padding needed so HeaderSize+n+padding is a
// multiple of 8, matching the reference implementation's alignment.
func paddedLength(n int) int {
	return (8 - (n % 8)) % 8
}

// BeginRequestBody is the body of a BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role     uint16
	Flags    uint8
	Reserved [5]uint8
}

// Encode writes the 8-byte body.
func (b *BeginRequestBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], b.Role)
	buf[2] = b.Flags
	copy(buf[3:8], b.Reserved[:])
	return buf
}

// DecodeBeginRequestBody parses a BEGIN_REQUEST body.
func DecodeBeginRequestBody(data []byte) (BeginRequestBody, error) {
	if len(data) < 8 {
		return BeginRequestBody{}, fmt.Errorf("fastcgi: short begin-request body: %d bytes", len(data))
	}
	b := BeginRequestBody{
		Role:  binary.BigEndian.Uint16(data[0:2]),
		Flags: data[2],
	}
	copy(b.Reserved[:], data[3:8])
	return b, nil
}

// EndRequestBody is the body of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus uint8
	Reserved       [3]uint8
}

// Encode writes the 8-byte body.
func (e *EndRequestBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], e.AppStatus)
	buf[4] = e.ProtocolStatus
	copy(buf[5:8], e.Reserved[:])
	return buf
}

// DecodeEndRequestBody parses an END_REQUEST body.
func DecodeEndRequestBody(data []byte) (EndRequestBody, error) {
	if len(data) < 8 {
		return EndRequestBody{}, fmt.Errorf("fastcgi: short end-request body: %d bytes", len(data))
	}
	e := EndRequestBody{
		AppStatus:      binary.BigEndian.Uint32(data[0:4]),
		ProtocolStatus: data[4],
	}
	copy(e.Reserved[:], data[5:8])
	return e, nil
}

// Record is a complete, decoded FastCGI record: header and content. The
// padding is never interpreted; Encode recomputes it from the header.
type Record struct {
	Header  Header
	Content []byte
}

// NewRecord builds a record of the given type, computing content length
// and padding from content.
func NewRecord(typ uint8, requestID uint16, content []byte) *Record {
	return &Record{
		Header: Header{
			Version:       Version1,
			Type:          typ,
			RequestID:     requestID,
			ContentLength: uint16(len(content)),
			PaddingLength: uint8(paddedLength(len(content))),
		},
		Content: content,
	}
}

// Encode serializes the record: header, content, padding.
func (r *Record) Encode() []byte {
	total := HeaderSize + len(r.Content) + int(r.Header.PaddingLength)
	buf := make([]byte, total)
	r.Header.EncodeInto(buf[:HeaderSize])
	copy(buf[HeaderSize:], r.Content)
	return buf
}

// DecodeRecord parses one complete record out of data and returns the
// number of bytes it consumed. It never allocates beyond the record's own
// content length: the returned Record.Content aliases data.
func DecodeRecord(data []byte) (*Record, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("fastcgi: insufficient data for header")
	}
	h, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.ContentLength) + int(h.PaddingLength)
	if len(data) < total {
		return nil, 0, fmt.Errorf("fastcgi: insufficient data for record: need %d, have %d", total, len(data))
	}
	contentEnd := HeaderSize + int(h.ContentLength)
	return &Record{Header: h, Content: data[HeaderSize:contentEnd]}, total, nil
}
