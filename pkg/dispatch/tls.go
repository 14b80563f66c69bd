// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package dispatch

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/log"
)

// TLSCertPair names a certificate/key file pair used by the dispatch
// server and client.
type TLSCertPair struct {
	CertPath string
	KeyPath  string
}

// EnsureSelfSigned generates a self-signed certificate pair at the given
// paths if neither exists, warning both sides that it is self-signed
// so a first run works without an operator-provisioned certificate.
func EnsureSelfSigned(pair TLSCertPair) error {
	if fileExists(pair.CertPath) && fileExists(pair.KeyPath) {
		return nil
	}
	log.Logf(0, "dispatch: generating a self-signed TLS certificate at %s; peers will not validate this certificate's chain of trust", pair.CertPath)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate tls key: %w", err)
	}

	host, _ := os.Hostname()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"snapfuzz"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{host, "localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create self-signed certificate: %w", err)
	}

	certOut, err := os.OpenFile(pair.CertPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}

	keyOut, err := os.OpenFile(pair.KeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ServerTLSConfig loads pair into a server-side tls.Config, generating a
// self-signed certificate first if absent.
func ServerTLSConfig(pair TLSCertPair) (*tls.Config, error) {
	if err := EnsureSelfSigned(pair); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(pair.CertPath, pair.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls cert pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ClientTLSConfig returns a client-side config that trusts whatever
// certificate the worker presents: the wire contract is authenticated by
// the API key layer, not by certificate validation, which mirrors the
// "self-signed, both sides warned" posture above.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
}
