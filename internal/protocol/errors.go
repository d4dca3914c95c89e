package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// IsTLSError reports whether err was caused by a failed TLS handshake or
// certificate verification.
func IsTLSError(err error) bool {
	if err == nil {
		return false
	}

	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		echRejectErr *tls.ECHRejectionError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &echRejectErr):
		return true
	}

	// Some transports flatten handshake failures into plain strings. net/http
	// replaces the record header error from a plaintext peer with its own.
	msg := err.Error()
	for _, marker := range tlsMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var tlsMarkers = []string{
	"tls: ",
	"x509: ",
	"server gave HTTP response to HTTPS client",
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
