package fastcgi

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeParamsRoundTrip(t *testing.T) {
	params := []Param{
		{Name: "REQUEST_METHOD", Value: "GET"},
		{Name: "SCRIPT_FILENAME", Value: "/var/www/map.qgs"},
	}
	encoded := EncodeParams(params)
	decoded, err := DecodeParams(encoded)
	require.NoError(t, err)
	require.Equal(t, params, decoded)
}

func TestEncodeParamLongValueUsesFourByteLength(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	encoded := EncodeParam("KEY", string(long))
	// 1-byte name length, then 4-byte value length (high bit set)
	require.Equal(t, byte(3), encoded[0])
	require.True(t, encoded[1]&0x80 != 0)
}

func TestParamReaderFragmentedAcrossFeeds(t *testing.T) {
	full := EncodeParam("QUERY_STRING", "a=1&b=2")

	var r ParamReader
	var got []Param
	for i := 0; i < len(full); i++ {
		out, err := r.Feed(full[i : i+1])
		require.NoError(t, err)
		got = append(got, out...)
	}
	require.Equal(t, []Param{{Name: "QUERY_STRING", Value: "a=1&b=2"}}, got)
	require.Equal(t, 0, r.Pending())
}

func TestParamReaderSplitMidLengthPrefix(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'y'
	}
	full := EncodeParam("BIGVAL", string(long))

	var r ParamReader
	// Split right inside the 4-byte value-length prefix.
	splitAt := 1 + 2 // name len byte + 2 bytes of the 4-byte value length
	out1, err := r.Feed(full[:splitAt])
	require.NoError(t, err)
	require.Empty(t, out1)

	out2, err := r.Feed(full[splitAt:])
	require.NoError(t, err)
	require.Len(t, out2, 1)
	require.Equal(t, "BIGVAL", out2[0].Name)
	require.Equal(t, string(long), out2[0].Value)
}

func TestDecodeParamsErrorsOnTrailingBytes(t *testing.T) {
	encoded := EncodeParam("A", "B")
	_, err := DecodeParams(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrInvalidParamLength)
}

func TestParamReaderPropertyFragmentationInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "n")
		var params []Param
		var full []byte
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`[A-Z_]{1,12}`).Draw(rt, "name")
			value := rapid.StringN(0, 64, -1).Draw(rt, "value")
			params = append(params, Param{Name: name, Value: value})
			full = append(full, EncodeParam(name, value)...)
		}

		chunkSize := rapid.IntRange(1, 17).Draw(rt, "chunk")
		var r ParamReader
		var got []Param
		for off := 0; off < len(full); off += chunkSize {
			end := off + chunkSize
			if end > len(full) {
				end = len(full)
			}
			out, err := r.Feed(full[off:end])
			require.NoError(rt, err)
			got = append(got, out...)
		}
		require.Equal(rt, params, got)
		require.Equal(rt, 0, r.Pending())
	})
}
