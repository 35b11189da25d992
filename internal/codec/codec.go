// Package codec implements the URL-safe base64 and PEM/DER primitives shared
// by the jwt, jwks, googlecred and appcheck packages: every place this
// module needs to turn bytes into wire-safe text, or a PEM block into a
// parsed RSA key, goes through here instead of repeating the same three
// lines of stdlib plumbing.
package codec

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// B64URLEncode encodes b as unpadded URL-safe base64, the form used for JWT
// segments and for the cookie payload/signature halves.
func B64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64URLDecode decodes unpadded URL-safe base64. It also accepts padded
// input, since some upstream emulators pad where they shouldn't.
func B64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// ParsePrivateKey parses a PEM-encoded RSA private key, trying PKCS#8 first
// (the shape Google service-account JSON keys use) and falling back to
// PKCS#1.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	der := pemBytes
	if block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("unable to parse private key as PKCS#8 or PKCS#1")
}

// ParsePublicKey parses a PEM-encoded X.509 certificate or public key and
// returns the RSA public key it contains, the shape JWKS responses and
// Google's robot metadata endpoint both use.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate does not contain an RSA public key")
		}
		return pub, nil
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaPub, nil
	}

	return nil, fmt.Errorf("unable to parse public key")
}
