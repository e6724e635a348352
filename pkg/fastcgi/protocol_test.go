package fastcgi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:       Version1,
		Type:          TypeStdout,
		RequestID:     42,
		ContentLength: 100,
		PaddingLength: 4,
		Reserved:      0,
	}
	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBeginRequestBodyRoundTrip(t *testing.T) {
	b := BeginRequestBody{Role: RoleResponder, Flags: FlagKeepConn}
	decoded, err := DecodeBeginRequestBody(b.Encode())
	require.NoError(t, err)
	require.Equal(t, b.Role, decoded.Role)
	require.Equal(t, b.Flags, decoded.Flags)
}

func TestEndRequestBodyRoundTrip(t *testing.T) {
	e := EndRequestBody{AppStatus: 7, ProtocolStatus: StatusOverloaded}
	decoded, err := DecodeEndRequestBody(e.Encode())
	require.NoError(t, err)
	require.Equal(t, e.AppStatus, decoded.AppStatus)
	require.Equal(t, e.ProtocolStatus, decoded.ProtocolStatus)
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := NewRecord(TypeStdout, 5, []byte("hello"))
	encoded := rec.Encode()

	// total length must be a multiple of 8
	require.Equal(t, 0, len(encoded)%8)

	decoded, n, err := DecodeRecord(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, rec.Header.Type, decoded.Header.Type)
	require.Equal(t, rec.Header.RequestID, decoded.Header.RequestID)
	require.Equal(t, []byte("hello"), decoded.Content)
}

func TestDecodeRecordInsufficientData(t *testing.T) {
	rec := NewRecord(TypeStdout, 1, []byte("hello world"))
	full := rec.Encode()

	_, _, err := DecodeRecord(full[:HeaderSize+2])
	require.Error(t, err)
}

func TestNewRecordEmptyContentNoPadding(t *testing.T) {
	rec := NewRecord(TypeStdin, 1, nil)
	require.Equal(t, uint8(0), rec.Header.PaddingLength)
	require.Equal(t, HeaderSize, len(rec.Encode()))
}

func TestProtocolStatusIsOneByteOnWire(t *testing.T) {
	e := EndRequestBody{AppStatus: 0, ProtocolStatus: StatusUnknownRole}
	encoded := e.Encode()
	require.Equal(t, byte(StatusUnknownRole), encoded[4])
}
