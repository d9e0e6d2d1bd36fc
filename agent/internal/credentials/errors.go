package credentials

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPEM     = errors.New("malformed PEM framing")
	ErrInvalidBase64    = errors.New("PEM body is not valid base64")
	ErrKeyParse         = errors.New("private key is not PKCS#8 DER")
	ErrKeyAlgorithm     = errors.New("private key is not an RSA key")
	ErrCertificateParse = errors.New("certificate is not valid X.509")
	ErrKeyMismatch      = errors.New("client certificate and private key do not form a pair")
	ErrMissingMaterial  = errors.New("credential material missing")
	ErrPKCS12           = errors.New("PKCS#12 identity store could not be opened")
)

// Material names used in CredentialError.
const (
	MaterialCA       = "ca certificate"
	MaterialCert     = "client certificate"
	MaterialKey      = "client key"
	MaterialIdentity = "client identity"
)

// CredentialError reports which piece of credential material failed and why.
// Err is always one of the package sentinels, possibly wrapping the parser error.
type CredentialError struct {
	Material string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: %v", e.Material, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

func credErr(material string, sentinel error, cause error) error {
	if cause == nil {
		return &CredentialError{Material: material, Err: sentinel}
	}
	return &CredentialError{Material: material, Err: fmt.Errorf("%w: %v", sentinel, cause)}
}

// IsCredentialError reports whether err came from this package.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
