// Package certs issues throwaway ECDSA certificates and reads and writes PEM key pairs.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Authority signs leaf certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	clock  clock.Clock
	serial int64
}

// NewAuthority creates a self-signed root valid for ten years.
func NewAuthority(clock clock.Clock) (*Authority, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating root key")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "tls-stream Root CA",
			Organization: []string{"tls-stream"},
		},
		NotBefore:             clock.Now().Add(-time.Minute),
		NotAfter:              clock.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, "self-signing root")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing root")
	}

	return &Authority{Cert: cert, Key: priv, clock: clock, serial: 1}, nil
}

// Pool returns a pool trusting only this authority.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// Issue signs a leaf for hosts, valid for a year.
// Hosts may be DNS names or IP literals.
func (a *Authority) Issue(hosts ...string) (tls.Certificate, error) {
	a.serial++
	return issue(leafTemplate(a.clock, a.serial, hosts), a.Cert, a.Key)
}

// SelfSigned creates a leaf that signs itself, for hosts.
func SelfSigned(clock clock.Clock, hosts ...string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "generating key")
	}

	template := leafTemplate(clock, 1, hosts)
	template.KeyUsage |= x509.KeyUsageCertSign
	template.IsCA = true

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "self-signing")
	}
	return keyPair(der, priv)
}

func issue(template, parent *x509.Certificate, parentKey crypto.Signer) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "generating leaf key")
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &priv.PublicKey, parentKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "signing leaf")
	}
	return keyPair(der, priv)
}

func keyPair(der []byte, priv crypto.PrivateKey) (tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parsing leaf")
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

func leafTemplate(clock clock.Clock, serial int64, hosts []string) *x509.Certificate {
	t := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   "tls-stream",
			Organization: []string{"tls-stream"},
		},
		NotBefore:             clock.Now().Add(-time.Minute),
		NotAfter:              clock.Now().AddDate(1, 0, 0), // available for an year.
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if len(hosts) > 0 {
		t.Subject.CommonName = hosts[0]
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			t.IPAddresses = append(t.IPAddresses, ip)
		} else {
			t.DNSNames = append(t.DNSNames, h)
		}
	}
	return t
}

// LoadKeyPair reads a PEM certificate chain and its key.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "loading %s", certFile)
	}
	return cert, nil
}

// LoadPool reads PEM certificates to trust.
func LoadPool(file string) (*x509.CertPool, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", file)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.Errorf("no certificate found in %s", file)
	}
	return pool, nil
}

// WriteKeyPair stores cert's chain and key as PEM, for tools like openssl.
func WriteKeyPair(cert tls.Certificate, certFile, keyFile string) error {
	var chain []byte
	for _, der := range cert.Certificate {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(certFile, chain, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", certFile)
	}

	key, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return errors.Wrap(err, "marshaling key")
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: key}), 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", keyFile)
	}
	return nil
}
