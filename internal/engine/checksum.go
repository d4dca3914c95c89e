package engine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrChecksumMismatch is returned when downloaded data does not hash to the
// expected value.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumAlgorithm names a supported hash.
type ChecksumAlgorithm string

const (
	AlgorithmMD5    ChecksumAlgorithm = "md5"
	AlgorithmSHA1   ChecksumAlgorithm = "sha1"
	AlgorithmSHA256 ChecksumAlgorithm = "sha256"
	AlgorithmSHA512 ChecksumAlgorithm = "sha512"
	AlgorithmBLAKE3 ChecksumAlgorithm = "blake3"
)

// Checksum is an expected or computed digest.
type Checksum struct {
	Algorithm ChecksumAlgorithm
	Value     string // lowercase hex
}

// ParseChecksum parses "algorithm:hex". An empty string yields nil, nil.
func ParseChecksum(s string) (*Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	alg, value, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("invalid checksum format, expected 'algorithm:value'")
	}

	cs := &Checksum{
		Algorithm: ChecksumAlgorithm(strings.ToLower(alg)),
		Value:     strings.ToLower(value),
	}
	if _, err := newHasher(cs.Algorithm); err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(cs.Value); err != nil {
		return nil, fmt.Errorf("invalid checksum hex value: %w", err)
	}
	return cs, nil
}

// ParseChecksumAuto accepts either "algorithm:hex" or bare hex, guessing
// the algorithm from the digest length.
func ParseChecksumAuto(value string) (*Checksum, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || strings.Contains(value, ":") {
		return ParseChecksum(value)
	}

	var alg ChecksumAlgorithm
	switch len(value) {
	case 32:
		alg = AlgorithmMD5
	case 40:
		alg = AlgorithmSHA1
	case 64:
		alg = AlgorithmSHA256
	case 128:
		alg = AlgorithmSHA512
	default:
		return nil, fmt.Errorf("cannot infer checksum algorithm from %d hex digits", len(value))
	}
	return ParseChecksum(string(alg) + ":" + value)
}

func (c *Checksum) String() string {
	return fmt.Sprintf("%s:%s", c.Algorithm, c.Value)
}

func newHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmMD5:
		return md5.New(), nil
	case AlgorithmSHA1:
		return sha1.New(), nil
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmSHA512:
		return sha512.New(), nil
	case AlgorithmBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}
}

// Verifier hashes everything written to it and compares the result with an
// expected checksum.
type Verifier struct {
	expected *Checksum
	hasher   hash.Hash
}

// NewVerifier returns a Verifier for expected.
func NewVerifier(expected *Checksum) (*Verifier, error) {
	h, err := newHasher(expected.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Verifier{expected: expected, hasher: h}, nil
}

func (v *Verifier) Write(p []byte) (int, error) {
	return v.hasher.Write(p)
}

// Sum returns the digest of the data written so far.
func (v *Verifier) Sum() *Checksum {
	return &Checksum{
		Algorithm: v.expected.Algorithm,
		Value:     hex.EncodeToString(v.hasher.Sum(nil)),
	}
}

// Verify returns ErrChecksumMismatch when the digest differs.
func (v *Verifier) Verify() error {
	got := v.Sum()
	if got.Value != v.expected.Value {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, v.expected)
	}
	return nil
}
