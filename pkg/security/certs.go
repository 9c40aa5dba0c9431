// Package security loads the operator-supplied TLS material the
// messaging fabric uses for mutual TLS between the node, its workers,
// and the scheduler. There is no certificate-authority issuance
// workflow here: a dispycosnode host has no cluster membership to
// issue certs to — the operator supplies cert, key, and CA files
// directly.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadCertFromFile loads a TLS certificate/key pair from the given paths.
func LoadCertFromFile(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// LoadCACertFromFile loads a CA certificate from a PEM file.
func LoadCACertFromFile(caFile string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, nil
}

// ServerTLSConfig builds the TLS config the fabric uses both to serve
// inbound connections and to dial peers: every fabric endpoint (node,
// spawner-launched worker, scheduler) is both client and server on the
// same mesh, so RootCAs and ClientCAs are the same operator-supplied
// CA pool. The server half requests (but does not require) a client
// certificate: the initial server_task handshake arrives before a
// reservation's auth is known, so per-RPC auth-token checks do the
// real gating.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := LoadCACertFromFile(caFile)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		RootCAs:      pool,
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds the TLS config used when dialing a peer on
// the fabric (node→scheduler, worker→node, worker→scheduler).
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := LoadCACertFromFile(caFile)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// CertExists reports whether all three files are present.
func CertExists(certFile, keyFile, caFile string) bool {
	for _, p := range []string{certFile, keyFile, caFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
