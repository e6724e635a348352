package fastcgi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRequest(requestID uint16, role uint16, keepConn bool, params []Param, stdin []byte) []byte {
	var out []byte
	beginBody := BeginRequestBody{Role: role}
	if keepConn {
		beginBody.Flags = FlagKeepConn
	}
	out = append(out, NewRecord(TypeBeginRequest, requestID, beginBody.Encode()).Encode()...)
	if len(params) > 0 {
		out = append(out, NewRecord(TypeParams, requestID, EncodeParams(params)).Encode()...)
	}
	out = append(out, NewRecord(TypeParams, requestID, nil).Encode()...)
	if len(stdin) > 0 {
		out = append(out, NewRecord(TypeStdin, requestID, stdin).Encode()...)
	}
	out = append(out, NewRecord(TypeStdin, requestID, nil).Encode()...)
	return out
}

func TestSessionHappyPath(t *testing.T) {
	s := NewSession()
	req := buildRequest(1, RoleResponder, true, []Param{
		{Name: "SCRIPT_FILENAME", Value: "/var/www/map.qgs"},
		{Name: "REQUEST_METHOD", Value: "GET"},
	}, []byte("body"))

	err := s.Feed(req)
	require.NoError(t, err)
	require.Equal(t, uint16(1), s.RequestID())
	require.Equal(t, RoleResponder, s.Role())
	require.True(t, s.KeepConn())

	v, ok := s.Lookup("SCRIPT_FILENAME")
	require.True(t, ok)
	require.Equal(t, "/var/www/map.qgs", v)
}

func TestSessionParamLookupAvailableBeforeParamsDone(t *testing.T) {
	s := NewSession()
	beginBody := BeginRequestBody{Role: RoleResponder}
	feed := NewRecord(TypeBeginRequest, 1, beginBody.Encode()).Encode()
	feed = append(feed, NewRecord(TypeParams, 1, EncodeParams([]Param{
		{Name: "SCRIPT_FILENAME", Value: "/a.qgs"},
	})).Encode()...)

	require.NoError(t, s.Feed(feed))
	require.Equal(t, SessionRunning, s.State())

	v, ok := s.Lookup("SCRIPT_FILENAME")
	require.True(t, ok)
	require.Equal(t, "/a.qgs", v)
}

func TestSessionEmptyParamsBeforeParamsDoneLeavesLookupEmpty(t *testing.T) {
	s := NewSession()
	beginBody := BeginRequestBody{Role: RoleResponder}
	feed := NewRecord(TypeBeginRequest, 1, beginBody.Encode()).Encode()
	feed = append(feed, NewRecord(TypeParams, 1, nil).Encode()...)

	require.NoError(t, s.Feed(feed))
	require.Equal(t, SessionParamsDone, s.State())

	_, ok := s.Lookup("SCRIPT_FILENAME")
	require.False(t, ok)
}

func TestSessionFragmentedAcrossManyFeeds(t *testing.T) {
	req := buildRequest(7, RoleResponder, false, []Param{
		{Name: "SCRIPT_FILENAME", Value: "/var/www/map.qgs"},
	}, []byte("x"))

	s := NewSession()
	for i := 0; i < len(req); i++ {
		err := s.Feed(req[i : i+1])
		require.NoError(t, err)
	}
	require.Equal(t, SessionParamsDone, s.State())
	v, ok := s.Lookup("SCRIPT_FILENAME")
	require.True(t, ok)
	require.Equal(t, "/var/www/map.qgs", v)
}

func TestSessionAbortRequestEndsSession(t *testing.T) {
	s := NewSession()
	beginBody := BeginRequestBody{Role: RoleResponder}
	feed := NewRecord(TypeBeginRequest, 1, beginBody.Encode()).Encode()
	feed = append(feed, NewRecord(TypeAbortRequest, 1, nil).Encode()...)

	require.NoError(t, s.Feed(feed))
	require.Equal(t, SessionEnd, s.State())
}

func TestSessionUnexpectedBeginRequestFails(t *testing.T) {
	s := NewSession()
	beginBody := BeginRequestBody{Role: RoleResponder}
	rec := NewRecord(TypeBeginRequest, 1, beginBody.Encode()).Encode()
	feed := append(append([]byte{}, rec...), rec...)

	err := s.Feed(feed)
	require.Error(t, err)
	require.Equal(t, SessionError, s.State())
}

func TestSessionNotKeepConnWhenFlagUnset(t *testing.T) {
	s := NewSession()
	req := buildRequest(1, RoleResponder, false, nil, nil)
	require.NoError(t, s.Feed(req))
	require.False(t, s.KeepConn())
}
