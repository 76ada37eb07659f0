package mcp

import (
	"context"
	"fmt"
	"sync"
)

// SupportedProtocolVersions lists the protocol versions this module
// understands, newest first. A client proposes SupportedProtocolVersions[0];
// a server walks this same list looking for the first entry the client
// proposed.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// negotiateVersion implements the server side of version negotiation: if
// proposed is one ownSupported recognizes, echo it back; otherwise return
// ownSupported's newest and let the client decide whether to proceed.
func negotiateVersion(proposed string, ownSupported []string) string {
	for _, v := range ownSupported {
		if v == proposed {
			return v
		}
	}
	return ownSupported[0]
}

func supports(versions []string, v string) bool {
	for _, x := range versions {
		if x == v {
			return true
		}
	}
	return false
}

// SessionState is a position in the lifecycle state machine common to both
// ClientSession and ServerSession: Uninitialized -> Initializing -> Ready ->
// Closing -> Closed. Transitions only ever move forward.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Implementation identifies a client or server implementation, exchanged
// during the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the "initialize" request, sent by the
// client.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    CapabilitySet   `json:"capabilities"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResult is the payload of the "initialize" response, sent by the
// server.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    CapabilitySet  `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// session is the state shared by ClientSession and ServerSession: the
// underlying Engine, the lifecycle state machine, and the negotiated
// handshake outcome. Client and Server build their half of the handshake
// (client.go, server.go) on top of it.
type session struct {
	engine *Engine

	mu              sync.Mutex
	state           SessionState
	protocolVersion string
	peerInfo        Implementation
	peerCaps        CapabilitySet
}

func newSession(engine *Engine) *session {
	return &session{engine: engine, state: StateUninitialized}
}

func (s *session) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to next, failing only if next is earlier
// than the current state; staying in the current state is allowed (e.g.
// Closing->Closing during concurrent shutdown).
func (s *session) transition(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next < s.state {
		return fmt.Errorf("mcp: invalid session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

func (s *session) setHandshakeResult(protocolVersion string, peerInfo Implementation, peerCaps CapabilitySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = protocolVersion
	s.peerInfo = peerInfo
	s.peerCaps = peerCaps
}

// ProtocolVersion returns the version negotiated during the handshake, or
// "" before the handshake completes.
func (s *session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// PeerInfo returns the counterparty's Implementation, as sent during the
// handshake.
func (s *session) PeerInfo() Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInfo
}

// PeerCapabilities returns the counterparty's advertised capabilities.
func (s *session) PeerCapabilities() CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCaps
}

// Close transitions the session through Closing to Closed and releases the
// underlying Engine's transport.
func (s *session) Close() error {
	_ = s.transition(StateClosing)
	err := s.engine.Close()
	_ = s.transition(StateClosed)
	return err
}

// requireReady rejects outbound calls made on a session that is not Ready
// with a local error, before anything is sent. The request-handling side is
// gated separately (see ServerSession.gateUntilReady).
func (s *session) requireReady() error {
	if st := s.getState(); st != StateReady {
		return fmt.Errorf("mcp: session not ready (state=%s)", st)
	}
	return nil
}

// waitReady blocks until the session reaches Ready, or ctx is done. Used by
// the server side to park non-initialize requests that arrive while still
// Initializing, per spec.md §4.6.
func (s *session) waitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
