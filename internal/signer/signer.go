// Package signer attaches and checks keyed integrity signatures on events and
// batch envelopes. Signatures provide tamper evidence only; payloads are not
// encrypted.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

// Algorithm names a supported HMAC hash.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
	SHA1   Algorithm = "sha1"
)

// Encoding names the textual form of a signature.
type Encoding string

const (
	Hex       Encoding = "hex"
	Base64    Encoding = "base64"    // standard alphabet, padded
	Base64URL Encoding = "base64url" // URL alphabet, unpadded
)

// Signer errors
var (
	ErrMissingSecret        = errors.New("signing secret key is required")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrUnsupportedEncoding  = errors.New("unsupported signature encoding")
	ErrUnsupportedData      = errors.New("unsupported data for signing")
)

// Options configures a Signer. Zero Algorithm and Encoding select sha256 and
// hex.
type Options struct {
	SecretKey string    `yaml:"secret_key"`
	Algorithm Algorithm `yaml:"algorithm"`
	Encoding  Encoding  `yaml:"encoding"`
}

// Signer computes HMACs over canonical serializations. It holds no mutable
// state and is safe for concurrent use.
type Signer struct {
	key      []byte
	newHash  func() hash.Hash
	encode   func([]byte) string
	alg      Algorithm
	encoding Encoding
}

// New validates opts and returns a Signer.
func New(opts Options) (*Signer, error) {
	if opts.SecretKey == "" {
		return nil, ErrMissingSecret
	}

	alg := Algorithm(strings.ToLower(string(opts.Algorithm)))
	if alg == "" {
		alg = SHA256
	}
	newHash, err := hashFor(alg)
	if err != nil {
		return nil, err
	}

	enc := Encoding(strings.ToLower(string(opts.Encoding)))
	if enc == "" {
		enc = Hex
	}
	encode, err := encoderFor(enc)
	if err != nil {
		return nil, err
	}

	return &Signer{
		key:      []byte(opts.SecretKey),
		newHash:  newHash,
		encode:   encode,
		alg:      alg,
		encoding: enc,
	}, nil
}

func hashFor(alg Algorithm) (func() hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New, nil
	case SHA384:
		return sha512.New384, nil
	case SHA512:
		return sha512.New, nil
	case SHA1:
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func encoderFor(enc Encoding) (func([]byte) string, error) {
	switch enc {
	case Hex:
		return hex.EncodeToString, nil
	case Base64:
		return base64.StdEncoding.EncodeToString, nil
	case Base64URL:
		return base64.RawURLEncoding.EncodeToString, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Algorithm returns the configured hash.
func (s *Signer) Algorithm() Algorithm { return s.alg }

// Encoding returns the configured output encoding.
func (s *Signer) Encoding() Encoding { return s.encoding }

// Sign returns the signature of d, computed with any existing signature
// excluded.
func (s *Signer) Sign(d models.Delivery) (string, error) {
	data, err := Canonical(d)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues("sign", "error").Inc()
		return "", err
	}
	metrics.SignaturesTotal.WithLabelValues("sign", "ok").Inc()
	return s.mac(data), nil
}

// SignEvent returns a copy of e carrying its signature.
func (s *Signer) SignEvent(e models.Event) (models.Event, error) {
	sig, err := s.Sign(e)
	if err != nil {
		return e, err
	}
	e.Signature = sig
	return e, nil
}

// SignEnvelope returns a copy of env carrying its signature.
func (s *Signer) SignEnvelope(env models.BatchEnvelope) (models.BatchEnvelope, error) {
	sig, err := s.Sign(env)
	if err != nil {
		return env, err
	}
	env.Signature = sig
	return env, nil
}

// SignIdentity signs a bare identity string.
func (s *Signer) SignIdentity(identity string) string {
	return s.mac([]byte(identity))
}

// Verify reports whether signature matches d. An empty signature, a
// malformed one, or data that cannot be canonicalized all yield false.
func (s *Signer) Verify(d models.Delivery, signature string) bool {
	if signature == "" {
		metrics.SignaturesTotal.WithLabelValues("verify", "missing").Inc()
		return false
	}
	data, err := Canonical(d)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues("verify", "error").Inc()
		return false
	}
	if !hmac.Equal([]byte(signature), []byte(s.mac(data))) {
		metrics.SignaturesTotal.WithLabelValues("verify", "mismatch").Inc()
		return false
	}
	metrics.SignaturesTotal.WithLabelValues("verify", "ok").Inc()
	return true
}

// VerifySigned checks d against the signature it carries.
func (s *Signer) VerifySigned(d models.Delivery) bool {
	return s.Verify(d, d.Signed())
}

// VerifyIdentity checks a signature produced by SignIdentity.
func (s *Signer) VerifyIdentity(identity, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(s.mac([]byte(identity))))
}

func (s *Signer) mac(data []byte) string {
	h := hmac.New(s.newHash, s.key)
	h.Write(data)
	return s.encode(h.Sum(nil))
}
