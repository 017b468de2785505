package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
)

// sessionState is the connection bring-up state machine of §4.D.
type sessionState int

const (
	stateInitial sessionState = iota
	stateAuthTLS
	stateTLSHandshake
	statePBSZ
	stateUser
	statePass
	stateFeat
	stateType
	stateReady
)

// tlsUpgrade records whether and how the control connection was
// upgraded, so reconnection logic does not repeat AUTH (§4.D re-entry
// for implicit TLS).
type tlsUpgrade int

const (
	tlsNone tlsUpgrade = iota
	tlsUpgradedTLS
	tlsUpgradedSSL
)

// secureMode selects the transport per §6's configuration enumeration.
type secureMode int

const (
	secureOff secureMode = iota
	secureExplicit
	secureControlOnly
	secureImplicit
)

// FeatOverride customizes one FEAT token: Add/Remove toggle its
// presence, Set supplies/replaces its parameter value.
type FeatOverride struct {
	Add    bool
	Remove bool
	Set    string
}

// session owns the bring-up handshake and the post-ready mutable state
// the spec assigns to "Session state": negotiated features, the
// detected-support cache, and the TLS upgrade stage. It is reset on
// reconnect, never reused across Connect calls.
type session struct {
	disp   *Dispatcher
	logger *slog.Logger

	secure       secureMode
	tlsConfig    *tls.Config
	user         string
	password     string
	featOverride map[string]FeatOverride

	state       sessionState
	tlsStage    tlsUpgrade
	features    map[string]string // token -> parameter (empty if none)
	featUnknown bool              // FEAT itself returned 500/502: feature set is unknown, not empty
	supported   map[string]bool   // per-command detected-support cache

	onGreeting func(text string)
	onReady    func()
}

func newSession(disp *Dispatcher, user, password string, secure secureMode, tlsConfig *tls.Config, featOverride map[string]FeatOverride, logger *slog.Logger) *session {
	return &session{
		disp:         disp,
		logger:       logger,
		secure:       secure,
		tlsConfig:    tlsConfig,
		user:         user,
		password:     password,
		featOverride: featOverride,
		features:     make(map[string]string),
		supported:    make(map[string]bool),
	}
}

// detectedUnsupported reports whether cmd was already marked
// unsupported by a prior 502, per invariant 4 ("once set to false, a
// feature is not retried within the session").
func (s *session) detectedUnsupported(cmd string) bool {
	ok, seen := s.supported[cmd]
	return seen && !ok
}

func (s *session) markUnsupported(cmd string) {
	s.supported[cmd] = false
}

func (s *session) markSupported(cmd string) {
	s.supported[cmd] = true
}

func (s *session) hasFeature(token string) bool {
	_, ok := s.features[token]
	return ok
}

// run drives the bring-up sequence (§4.D steps 1-8) to completion,
// upgrading the Dispatcher's connection to TLS in place when required.
// implicitAlreadyUpgraded is true when the control connection was
// already wrapped in TLS before Connect ever reached the session (the
// implicit-TLS transport), in which case AUTH is skipped entirely and
// login proceeds straight from the greeting.
func (s *session) run(ctx context.Context, implicitAlreadyUpgraded bool) error {
	s.state = stateInitial

	greeting, err := s.disp.WaitGreeting(ctx)
	if err != nil {
		return err
	}
	if greeting.Class() != 2 {
		return &ProtocolError{Command: "connect", Response: greeting.Text, Code: greeting.Code}
	}
	if s.onGreeting != nil {
		s.onGreeting(greeting.Text)
	}
	s.logger.Info("ftp greeting", "text", greeting.Text)

	if implicitAlreadyUpgraded {
		s.tlsStage = tlsUpgradedTLS
		return s.runLogin(ctx)
	}

	switch s.secure {
	case secureExplicit, secureControlOnly:
		if err := s.runAuthTLS(ctx); err != nil {
			return err
		}
	}

	return s.runLogin(ctx)
}

func (s *session) runAuthTLS(ctx context.Context) error {
	s.state = stateAuthTLS

	rep, err := s.send(ctx, "AUTH TLS", false)
	stage := tlsUpgradedTLS
	if err != nil {
		rep, err = s.send(ctx, "AUTH SSL", false)
		stage = tlsUpgradedSSL
		if err != nil {
			return &TLSError{Stage: "auth", Err: err}
		}
	}
	if rep.Code != 234 {
		return &TLSError{Stage: "auth", Err: fmt.Errorf("unexpected code %d", rep.Code)}
	}

	s.state = stateTLSHandshake
	err = s.disp.upgradeTLS(ctx, func(conn net.Conn) (net.Conn, error) {
		return upgradeControlTLS(ctx, conn, s.tlsConfig)
	})
	if err != nil {
		return &TLSError{Stage: "handshake", Err: err}
	}
	s.tlsStage = stage

	s.state = statePBSZ
	if _, err := s.expect(ctx, "PBSZ 0", 2); err != nil {
		return &TLSError{Stage: "pbsz", Err: err}
	}
	prot := "PROT P"
	if s.secure == secureControlOnly {
		prot = "PROT C"
	}
	if _, err := s.expect(ctx, prot, 2); err != nil {
		return &TLSError{Stage: "prot", Err: err}
	}
	return nil
}

func (s *session) runLogin(ctx context.Context) error {
	s.state = stateUser
	rep, err := s.send(ctx, "USER "+s.user, false)
	if err != nil {
		return err
	}
	switch rep.Class() {
	case 2:
		// logged in without a password
	case 3:
		s.state = statePass
		rep, err = s.send(ctx, "PASS "+s.password, false)
		if err != nil {
			return err
		}
		if rep.Class() != 2 {
			return &ProtocolError{Command: "PASS", Response: rep.Text, Code: rep.Code}
		}
	default:
		return &ProtocolError{Command: "USER", Response: rep.Text, Code: rep.Code}
	}

	return s.runFeat(ctx)
}

var featLineRegexp = regexp.MustCompile(`^(\S+)(?:\s+(.*))?$`)

func (s *session) runFeat(ctx context.Context) error {
	s.state = stateFeat
	stream := s.disp.Send("FEAT", false)
	rep, err := s.drain(ctx, stream)
	if err != nil {
		if !isUnsupportedReply(err) {
			return err
		}
		s.features = make(map[string]string)
		s.featUnknown = true
	} else {
		s.features = parseFeat(rep.Lines())
	}

	for token, override := range s.featOverride {
		switch {
		case override.Remove:
			delete(s.features, token)
		case override.Set != "":
			s.features[token] = override.Set
		case override.Add:
			if _, ok := s.features[token]; !ok {
				s.features[token] = ""
			}
		}
	}

	s.state = stateType
	if _, err := s.expect(ctx, "TYPE I", 2); err != nil {
		return err
	}
	s.state = stateReady
	if s.onReady != nil {
		s.onReady()
	}
	return nil
}

// parseFeat extracts one token (and optional parameter) per FEAT
// response line, skipping the opening/closing status lines which Lines
// already strips via Reply.Text reassembly — only the continuation
// lines remain in rep.Lines() for a multi-line 211 reply, but FEAT's
// very first line is itself the status text ("Features:") so it is
// dropped if it carries no token shape.
func parseFeat(lines []string) map[string]string {
	feats := make(map[string]string)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.EqualFold(trimmed, "Features:") || strings.HasPrefix(strings.ToUpper(trimmed), "END") {
			continue
		}
		m := featLineRegexp.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		feats[strings.ToUpper(m[1])] = m[2]
	}
	return feats
}

// send issues cmd and waits for its single terminating reply, wrapping
// the session's handshake in a single helper shared by expect.
func (s *session) send(ctx context.Context, cmd string, promote bool) (Reply, error) {
	stream := s.disp.Send(cmd, promote)
	return s.drain(ctx, stream)
}

// expect is send plus a class assertion, the common case for handshake
// steps that only tolerate success.
func (s *session) expect(ctx context.Context, cmd string, wantClass int) (Reply, error) {
	rep, err := s.send(ctx, cmd, false)
	if err != nil {
		return Reply{}, err
	}
	if rep.Class() != wantClass {
		return Reply{}, &ProtocolError{Command: cmd, Response: rep.Text, Code: rep.Code}
	}
	return rep, nil
}

// drain reads every value off stream until it closes, returning the
// final (terminating) reply it produced. Preliminary 1xx values are
// ignored here; callers that care about those (the Broker) read the
// stream directly instead of using this helper.
func (s *session) drain(ctx context.Context, stream *ReplyStream) (Reply, error) {
	var last Reply
	for {
		rep, err, ok := stream.Next(ctx)
		if !ok {
			return last, nil
		}
		if err != nil {
			return Reply{}, err
		}
		last = rep
		if rep.Class() == 1 {
			continue
		}
		return last, nil
	}
}
