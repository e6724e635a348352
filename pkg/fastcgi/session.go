package fastcgi

import "fmt"

// SessionState is the higher-level request state tracked on top of the
// record-by-record MessageParser, per spec section 4.1.
type SessionState int

const (
	// SessionInit: no BEGIN_REQUEST seen yet.
	SessionInit SessionState = iota
	// SessionRunning: BEGIN_REQUEST seen, PARAMS stream still open.
	SessionRunning
	// SessionParamsDone: an empty PARAMS record closed the parameter stream.
	SessionParamsDone
	// SessionEnd: a matching END_REQUEST or an ABORT_REQUEST was seen.
	SessionEnd
	// SessionError: a protocol violation terminated the session.
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionInit:
		return "INIT"
	case SessionRunning:
		return "RUNNING"
	case SessionParamsDone:
		return "PARAMS_DONE"
	case SessionEnd:
		return "END"
	case SessionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one FastCGI request above the raw record stream: it
// drives a MessageParser, accumulates parameters as they arrive (even
// before the stream is closed, so a dispatcher can look a parameter up
// early) and exposes the request id, role and KEEP_CONN flag once known.
//
// Session never sends anything; it is a pure parser, fed bytes via Feed.
type Session struct {
	mp     MessageParser
	params ParamReader

	state     SessionState
	requestID uint16
	role      uint16
	flags     uint8
	values    map[string]string
	err       error
}

// NewSession creates an empty session in state INIT.
func NewSession() *Session {
	return &Session{
		state:  SessionInit,
		values: make(map[string]string),
	}
}

// State returns the session's current state.
func (s *Session) State() SessionState { return s.state }

// RequestID returns the request id carried by BEGIN_REQUEST, valid once
// State() is past SessionInit.
func (s *Session) RequestID() uint16 { return s.requestID }

// Role returns the FastCGI role requested, valid once State() is past
// SessionInit.
func (s *Session) Role() uint16 { return s.role }

// KeepConn reports whether BEGIN_REQUEST's FCGI_KEEP_CONN bit was set.
func (s *Session) KeepConn() bool { return s.flags&FlagKeepConn != 0 }

// Err returns the error that drove the session into SessionError, if any.
func (s *Session) Err() error { return s.err }

// Lookup returns the value of a parameter seen so far. It may be called
// before PARAMS_DONE -- the dispatcher's project-match phase does exactly
// that, matching as soon as the relevant parameter has arrived rather than
// waiting for the whole parameter stream to close.
func (s *Session) Lookup(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Feed parses as many complete records as are available from chunk and
// drives the session's state machine. It returns once the buffered bytes
// are exhausted or the session has reached SessionEnd / SessionError.
func (s *Session) Feed(chunk []byte) error {
	if s.state == SessionError {
		return s.err
	}
	s.mp.Feed(chunk)
	for {
		rec, ok, err := s.mp.Next()
		if err != nil {
			s.fail(err)
			return err
		}
		if !ok {
			return nil
		}
		if err := s.apply(rec); err != nil {
			s.fail(err)
			return err
		}
		if s.state == SessionEnd || s.state == SessionError {
			return s.err
		}
	}
}

// Buffered reports bytes not yet consumed into a complete record.
func (s *Session) Buffered() int { return s.mp.Buffered() }

func (s *Session) fail(err error) {
	s.state = SessionError
	s.err = err
}

func (s *Session) apply(rec *Record) error {
	switch rec.Header.Type {
	case TypeBeginRequest:
		if s.state != SessionInit {
			return fmt.Errorf("fastcgi: unexpected BEGIN_REQUEST in state %s", s.state)
		}
		body, err := DecodeBeginRequestBody(rec.Content)
		if err != nil {
			return err
		}
		s.requestID = rec.Header.RequestID
		s.role = body.Role
		s.flags = body.Flags
		s.state = SessionRunning
		return nil

	case TypeParams:
		if s.state != SessionRunning {
			return fmt.Errorf("fastcgi: unexpected PARAMS in state %s", s.state)
		}
		if len(rec.Content) == 0 {
			if s.params.Pending() != 0 {
				return ErrInvalidParamLength
			}
			s.state = SessionParamsDone
			return nil
		}
		pairs, err := s.params.Feed(rec.Content)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			s.values[p.Name] = p.Value
		}
		return nil

	case TypeAbortRequest:
		s.state = SessionEnd
		return nil

	case TypeEndRequest:
		if s.state != SessionRunning && s.state != SessionParamsDone {
			return fmt.Errorf("fastcgi: unexpected END_REQUEST in state %s", s.state)
		}
		s.state = SessionEnd
		return nil

	case TypeStdin, TypeData, TypeStdout, TypeStderr, TypeGetValues, TypeGetValuesResult, TypeUnknownType:
		// Stream/meta records don't affect the request-matching state
		// machine; the dispatcher's splice phase handles stdin/stdout
		// bytes directly, not through the Session.
		return nil

	default:
		return fmt.Errorf("fastcgi: unknown record type %d", rec.Header.Type)
	}
}
