package fastcgi

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInvalidParamLength is returned when a name/value length prefix is
// malformed or truncated.
var ErrInvalidParamLength = errors.New("fastcgi: invalid parameter length")

// Param is a single FastCGI name/value pair. A slice of Param (rather than
// a map) preserves the order the client sent them in, which matters for
// the warm-up params the supervisor replays to a worker verbatim.
type Param struct {
	Name  string
	Value string
}

// EncodeParam encodes one name/value pair using the FastCGI length
// encoding: a length is one byte if its high bit would be clear, else four
// bytes big-endian with the top bit set as a marker.
func EncodeParam(name, value string) []byte {
	var buf bytes.Buffer
	writeLength(&buf, len(name))
	writeLength(&buf, len(value))
	buf.WriteString(name)
	buf.WriteString(value)
	return buf.Bytes()
}

// EncodeParams encodes an ordered list of pairs back to back, as they
// appear in the content of a single PARAMS record (or split across many,
// at the caller's discretion).
func EncodeParams(params []Param) []byte {
	var buf bytes.Buffer
	for _, p := range params {
		buf.Write(EncodeParam(p.Name, p.Value))
	}
	return buf.Bytes()
}

func writeLength(buf *bytes.Buffer, n int) {
	if n < 128 {
		buf.WriteByte(byte(n))
		return
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n)|0x80000000)
	buf.Write(b)
}

// decodeLength decodes a 1- or 4-byte length prefix, returning the decoded
// length and the number of bytes consumed. bytesRead is 0 when data does
// not yet hold a complete length prefix (fragment-tolerant).
func decodeLength(data []byte) (length int, bytesRead int) {
	if len(data) == 0 {
		return 0, 0
	}
	if data[0] < 128 {
		return int(data[0]), 1
	}
	if len(data) < 4 {
		return 0, 0
	}
	return int(binary.BigEndian.Uint32(data[0:4]) & 0x7fffffff), 4
}

// ParamReader incrementally decodes a stream of FastCGI name/value pairs
// that may be split arbitrarily across successive Feed calls -- the spec
// requires tolerance for a name or value straddling a PARAMS record
// boundary. It never looks ahead past what has been fed.
type ParamReader struct {
	pending []byte
}

// Feed appends content (typically one PARAMS record's body) to the
// reader's pending bytes and returns every pair that is now fully
// decodable. Bytes belonging to a still-incomplete pair are retained for
// the next call.
func (r *ParamReader) Feed(content []byte) ([]Param, error) {
	if len(content) > 0 {
		r.pending = append(r.pending, content...)
	}

	var out []Param
	pos := 0
	for {
		nameLen, n := decodeLength(r.pending[pos:])
		if n == 0 {
			break
		}
		valLen, n2 := decodeLength(r.pending[pos+n:])
		if n2 == 0 {
			break
		}
		headerLen := n + n2
		need := headerLen + nameLen + valLen
		if pos+need > len(r.pending) {
			break
		}
		name := string(r.pending[pos+headerLen : pos+headerLen+nameLen])
		value := string(r.pending[pos+headerLen+nameLen : pos+need])
		out = append(out, Param{Name: name, Value: value})
		pos += need
	}
	r.pending = append([]byte(nil), r.pending[pos:]...)
	return out, nil
}

// Pending reports how many undecoded bytes remain buffered -- a
// non-empty residue after the params stream has closed indicates a
// malformed, truncated parameter.
func (r *ParamReader) Pending() int {
	return len(r.pending)
}

// DecodeParams decodes a single, complete, non-fragmented parameter
// buffer, for use where a whole PARAMS record's content is already in
// hand. It is an error for any bytes to remain undecoded.
func DecodeParams(data []byte) ([]Param, error) {
	var r ParamReader
	params, err := r.Feed(data)
	if err != nil {
		return nil, err
	}
	if r.Pending() != 0 {
		return nil, ErrInvalidParamLength
	}
	return params, nil
}
