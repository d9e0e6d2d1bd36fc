package credentials

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// Bundle holds the parsed CA, client certificate chain and client key.
// It is immutable once returned from a loader.
type Bundle struct {
	CA          *x509.Certificate
	Certificate *x509.Certificate
	// Chain holds intermediates that followed the leaf in the client PEM, in order.
	Chain      []*x509.Certificate
	PrivateKey *rsa.PrivateKey
}

// Load reads the three PEM streams and parses them.
func Load(ca, cert, key io.Reader) (*Bundle, error) {
	read := func(r io.Reader, material string) ([]byte, error) {
		if r == nil {
			return nil, credErr(material, ErrMissingMaterial, nil)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", material, err)
		}
		return b, nil
	}
	caPEM, err := read(ca, MaterialCA)
	if err != nil {
		return nil, err
	}
	certPEM, err := read(cert, MaterialCert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := read(key, MaterialKey)
	if err != nil {
		return nil, err
	}
	return Parse(caPEM, certPEM, keyPEM)
}

// Parse decodes PEM-encoded CA and client certificates and a PKCS#8 PEM RSA key.
func Parse(caPEM, certPEM, keyPEM []byte) (*Bundle, error) {
	caCerts, err := parseCertificates(caPEM, MaterialCA)
	if err != nil {
		return nil, err
	}
	clientCerts, err := parseCertificates(certPEM, MaterialCert)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		CA:          caCerts[0],
		Certificate: clientCerts[0],
		Chain:       clientCerts[1:],
		PrivateKey:  key,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadFiles is Load over file paths.
func LoadFiles(caPath, certPath, keyPath string) (*Bundle, error) {
	caPEM, err := readFile(caPath, MaterialCA)
	if err != nil {
		return nil, err
	}
	certPEM, err := readFile(certPath, MaterialCert)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile(keyPath, MaterialKey)
	if err != nil {
		return nil, err
	}
	return Parse(caPEM, certPEM, keyPEM)
}

// LoadDir loads ca.pem, client.pem and client-key.pem from dir.
func LoadDir(dir string) (*Bundle, error) {
	return LoadFiles(
		filepath.Join(dir, "ca.pem"),
		filepath.Join(dir, "client.pem"),
		filepath.Join(dir, "client-key.pem"),
	)
}

// LoadPKCS12 takes the client identity from a passphrase-protected PKCS#12 store
// and the trust anchor from a separate CA PEM.
func LoadPKCS12(caPEM, p12 []byte, passphrase string) (*Bundle, error) {
	caCerts, err := parseCertificates(caPEM, MaterialCA)
	if err != nil {
		return nil, err
	}
	if len(p12) == 0 {
		return nil, credErr(MaterialIdentity, ErrMissingMaterial, nil)
	}
	rawKey, cert, err := pkcs12.Decode(p12, passphrase)
	if err != nil {
		return nil, credErr(MaterialIdentity, ErrPKCS12, err)
	}
	key, ok := rawKey.(*rsa.PrivateKey)
	if !ok {
		return nil, credErr(MaterialKey, ErrKeyAlgorithm, fmt.Errorf("got %T", rawKey))
	}
	b := &Bundle{CA: caCerts[0], Certificate: cert, PrivateKey: key}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadPKCS12Files is LoadPKCS12 over file paths.
func LoadPKCS12Files(caPath, p12Path, passphrase string) (*Bundle, error) {
	caPEM, err := readFile(caPath, MaterialCA)
	if err != nil {
		return nil, err
	}
	p12, err := readFile(p12Path, MaterialIdentity)
	if err != nil {
		return nil, err
	}
	return LoadPKCS12(caPEM, p12, passphrase)
}

// Validate checks that every piece is present and that the key matches the certificate.
func (b *Bundle) Validate() error {
	if b == nil || b.CA == nil {
		return credErr(MaterialCA, ErrMissingMaterial, nil)
	}
	if b.Certificate == nil {
		return credErr(MaterialCert, ErrMissingMaterial, nil)
	}
	if b.PrivateKey == nil {
		return credErr(MaterialKey, ErrMissingMaterial, nil)
	}
	pub, ok := b.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&b.PrivateKey.PublicKey) {
		return credErr(MaterialIdentity, ErrKeyMismatch, nil)
	}
	return nil
}

// ChainDER returns the leaf followed by intermediates, ready for tls.Certificate.
func (b *Bundle) ChainDER() [][]byte {
	out := make([][]byte, 0, 1+len(b.Chain))
	out = append(out, b.Certificate.Raw)
	for _, c := range b.Chain {
		out = append(out, c.Raw)
	}
	return out
}

// ExpiresWithin reports whether the client or CA certificate expires before now+d.
func (b *Bundle) ExpiresWithin(d time.Duration) bool {
	deadline := time.Now().Add(d)
	return b.Certificate.NotAfter.Before(deadline) || b.CA.NotAfter.Before(deadline)
}

// Summary describes the bundle for logs and the certs CLI.
func (b *Bundle) Summary() string {
	return fmt.Sprintf("client=%q issuer=%q ca=%q expires=%s",
		b.Certificate.Subject.CommonName,
		b.Certificate.Issuer.CommonName,
		b.CA.Subject.CommonName,
		b.Certificate.NotAfter.UTC().Format(time.RFC3339))
}

func readFile(path, material string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, credErr(material, ErrMissingMaterial, nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, credErr(material, ErrMissingMaterial, err)
	}
	return b, nil
}

func parseCertificates(data []byte, material string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, credErr(material, ErrMalformedPEM, fmt.Errorf("unexpected block %q", block.Type))
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, credErr(material, ErrCertificateParse, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, credErr(material, ErrMissingMaterial, nil)
		}
		return nil, credErr(material, ErrMalformedPEM, nil)
	}
	return certs, nil
}

// parsePrivateKey strips the armor by hand instead of pem.Decode so that a
// broken body reports ErrInvalidBase64 rather than a generic framing failure.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	body, err := stripArmor(data)
	if err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, credErr(MaterialKey, ErrInvalidBase64, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, credErr(MaterialKey, ErrKeyParse, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, credErr(MaterialKey, ErrKeyAlgorithm, fmt.Errorf("got %T", parsed))
	}
	return key, nil
}

func stripArmor(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", credErr(MaterialKey, ErrMissingMaterial, nil)
	}
	var (
		body        strings.Builder
		begin, end  bool
		beginHeader string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "-----BEGIN "):
			if begin {
				return "", credErr(MaterialKey, ErrMalformedPEM, fmt.Errorf("nested BEGIN line"))
			}
			begin = true
			beginHeader = strings.Trim(strings.TrimPrefix(line, "-----BEGIN "), "-")
		case strings.HasPrefix(line, "-----END "):
			if !begin || end {
				return "", credErr(MaterialKey, ErrMalformedPEM, fmt.Errorf("END line without BEGIN"))
			}
			end = true
		case begin && !end:
			if strings.Contains(line, ":") {
				return "", credErr(MaterialKey, ErrMalformedPEM, fmt.Errorf("encrypted or annotated PEM headers are not supported"))
			}
			body.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", credErr(MaterialKey, ErrMalformedPEM, err)
	}
	if !begin || !end {
		return "", credErr(MaterialKey, ErrMalformedPEM, fmt.Errorf("missing armor lines"))
	}
	if beginHeader != "PRIVATE KEY" {
		return "", credErr(MaterialKey, ErrKeyParse, fmt.Errorf("expected PRIVATE KEY block, got %q", beginHeader))
	}
	return body.String(), nil
}
