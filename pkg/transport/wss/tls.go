package wss

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/corebsc"
)

// clientTLSConfig builds the tls.Config an initiator socket dials with:
// the node's operational certificate for mutual TLS, the configured CA
// chain as the trust root for the remote hub or peer.
func clientTLSConfig(m bacscid.TLSMaterial) (*tls.Config, error) {
	cert, pool, err := loadMaterial(m)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// serverTLSConfig builds the tls.Config an acceptor listens with.
// BACnet/SC requires mutual authentication, so inbound clients must
// present a certificate chained to the configured CA.
func serverTLSConfig(m bacscid.TLSMaterial) (*tls.Config, error) {
	cert, pool, err := loadMaterial(m)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadMaterial(m bacscid.TLSMaterial) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.X509KeyPair(m.CertChain, m.Key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("wss: %w: invalid cert chain / key: %v", corebsc.ErrBadParam, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CACertChain) {
		return tls.Certificate{}, nil, fmt.Errorf("wss: %w: no usable CA certificates", corebsc.ErrBadParam)
	}
	return cert, pool, nil
}
