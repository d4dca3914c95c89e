package engine

import (
	"errors"
	"testing"
)

const (
	helloSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	helloMD5    = "5eb63bbbe01eeed093cb22bb8f5acdc3"
	emptyBLAKE3 = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
)

func TestParseChecksum(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantAlgo  ChecksumAlgorithm
		wantValue string
		wantErr   bool
	}{
		{"sha256", "sha256:" + helloSHA256, AlgorithmSHA256, helloSHA256, false},
		{"md5", "md5:" + helloMD5, AlgorithmMD5, helloMD5, false},
		{"sha1", "sha1:da39a3ee5e6b4b0d3255bfef95601890afd80709", AlgorithmSHA1, "da39a3ee5e6b4b0d3255bfef95601890afd80709", false},
		{"blake3", "blake3:" + emptyBLAKE3, AlgorithmBLAKE3, emptyBLAKE3, false},
		{"uppercase", "SHA256:B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9", AlgorithmSHA256, helloSHA256, false},
		{"empty", "", "", "", false},
		{"invalid format", "notvalid", "", "", true},
		{"unsupported algorithm", "crc32:abc123", "", "", true},
		{"invalid hex", "sha256:notvalidhex", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChecksum(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChecksum() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.input == "" {
				if got != nil {
					t.Error("ParseChecksum(\"\") should return nil")
				}
				return
			}
			if got.Algorithm != tt.wantAlgo {
				t.Errorf("Algorithm = %s, want %s", got.Algorithm, tt.wantAlgo)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Value = %s, want %s", got.Value, tt.wantValue)
			}
		})
	}
}

func TestParseChecksumAuto(t *testing.T) {
	tests := []struct {
		input    string
		wantAlgo ChecksumAlgorithm
		wantErr  bool
	}{
		{helloMD5, AlgorithmMD5, false},
		{"da39a3ee5e6b4b0d3255bfef95601890afd80709", AlgorithmSHA1, false},
		{helloSHA256, AlgorithmSHA256, false},
		{"blake3:" + emptyBLAKE3, AlgorithmBLAKE3, false},
		{"abc", "", true},
	}

	for _, tt := range tests {
		got, err := ParseChecksumAuto(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChecksumAuto(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && got.Algorithm != tt.wantAlgo {
			t.Errorf("ParseChecksumAuto(%q).Algorithm = %s, want %s", tt.input, got.Algorithm, tt.wantAlgo)
		}
	}
}

func TestChecksum_String(t *testing.T) {
	cs := &Checksum{Algorithm: AlgorithmSHA256, Value: "abc123"}
	if cs.String() != "sha256:abc123" {
		t.Errorf("String() = %s, want sha256:abc123", cs.String())
	}
}

func TestVerifier(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		data     string
		wantErr  bool
	}{
		{"sha256 match", "sha256:" + helloSHA256, "hello world", false},
		{"md5 match", "md5:" + helloMD5, "hello world", false},
		{"blake3 empty", "blake3:" + emptyBLAKE3, "", false},
		{"mismatch", "sha256:" + helloSHA256, "hello there", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := ParseChecksum(tt.expected)
			if err != nil {
				t.Fatalf("ParseChecksum() error = %v", err)
			}
			v, err := NewVerifier(cs)
			if err != nil {
				t.Fatalf("NewVerifier() error = %v", err)
			}
			v.Write([]byte(tt.data))

			err = v.Verify()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrChecksumMismatch) {
				t.Errorf("Verify() error = %v, want ErrChecksumMismatch", err)
			}
		})
	}
}
