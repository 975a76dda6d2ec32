package taps

import (
	"crypto/tls"
	"crypto/x509"
)

// CertificateBundle names a certificate/key pair (or an already-loaded
// tls.Certificate) usable as a client or server identity.
type CertificateBundle struct {
	CertPath string
	KeyPath  string
	Loaded   *tls.Certificate
}

// SecurityParameters is the enumerated property bag described in spec.md
// §3: ALPN list, certificate bundles, and the QUIC session-ticket store
// configuration. Deep-copyable per the Preconnection lifecycle.
type SecurityParameters struct {
	ALPN                   []string
	ClientCertificates     []CertificateBundle
	ServerCertificates     []CertificateBundle
	SessionTicketStorePath string
	SessionTicketKey       []byte

	// RootCAs overrides the client's default trust store, so a client can
	// dial a server presenting a certificate not signed by a public CA
	// (private deployments, or a dev-generated certificate in tests).
	// CertPool is safe to share, so DeepCopy keeps the pointer.
	RootCAs *x509.CertPool
}

// NewSecurityParameters returns an empty SecurityParameters (no ALPN, no
// certificates). Without an ALPN list, candidate gathering still includes
// QUIC candidates, with no ALPN value; an ALPN list gives one QUIC
// candidate per ALPN value (spec.md §4.2).
func NewSecurityParameters() *SecurityParameters {
	return &SecurityParameters{}
}

func (s *SecurityParameters) SetALPN(protocols []string) error {
	if len(protocols) == 0 {
		return &ErrInvalidArgument{What: "ALPN list must be non-empty"}
	}
	s.ALPN = append([]string(nil), protocols...)
	return nil
}

func (s *SecurityParameters) AddClientCertificate(b CertificateBundle) error {
	if b.Loaded == nil && (b.CertPath == "" || b.KeyPath == "") {
		return &ErrInvalidArgument{What: "certificate bundle needs cert+key path or a loaded certificate"}
	}
	s.ClientCertificates = append(s.ClientCertificates, b)
	return nil
}

func (s *SecurityParameters) AddServerCertificate(b CertificateBundle) error {
	if b.Loaded == nil && (b.CertPath == "" || b.KeyPath == "") {
		return &ErrInvalidArgument{What: "certificate bundle needs cert+key path or a loaded certificate"}
	}
	s.ServerCertificates = append(s.ServerCertificates, b)
	return nil
}

func (s *SecurityParameters) SetSessionTicketStorePath(path string) error {
	if path == "" {
		return &ErrInvalidArgument{What: "session ticket store path must be non-empty"}
	}
	s.SessionTicketStorePath = path
	return nil
}

func (s *SecurityParameters) SetSessionTicketKey(key []byte) error {
	if len(key) == 0 {
		return &ErrInvalidArgument{What: "session ticket key must be non-empty"}
	}
	s.SessionTicketKey = append([]byte(nil), key...)
	return nil
}

// SetRootCAs overrides the client trust store used when dialing QUIC
// candidates.
func (s *SecurityParameters) SetRootCAs(pool *x509.CertPool) {
	s.RootCAs = pool
}

// HasALPN reports whether at least one ALPN value is configured; this is
// the picoquic-compatible gate in spec.md §4.2 for per-ALPN protocol node
// fan-out.
func (s *SecurityParameters) HasALPN() bool {
	return s != nil && len(s.ALPN) > 0
}

// DeepCopy returns an independent copy.
func (s *SecurityParameters) DeepCopy() *SecurityParameters {
	if s == nil {
		return NewSecurityParameters()
	}
	out := &SecurityParameters{
		ALPN:                   append([]string(nil), s.ALPN...),
		ClientCertificates:     append([]CertificateBundle(nil), s.ClientCertificates...),
		ServerCertificates:     append([]CertificateBundle(nil), s.ServerCertificates...),
		SessionTicketStorePath: s.SessionTicketStorePath,
		SessionTicketKey:       append([]byte(nil), s.SessionTicketKey...),
		RootCAs:                s.RootCAs,
	}
	return out
}
