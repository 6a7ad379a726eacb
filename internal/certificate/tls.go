package certificate

import (
	"crypto/tls"
	"crypto/x509"
)

// ClientTLSConfig builds the mutual-TLS configuration used against the
// authorities. roots may be nil to use the system pool.
func ClientTLSConfig(m *Material, roots *x509.CertPool) (*tls.Config, error) {
	cert, err := m.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		// some state authorities still request a renegotiation after the
		// handshake to ask for the client certificate
		Renegotiation: tls.RenegotiateOnceAsClient,
	}, nil
}
