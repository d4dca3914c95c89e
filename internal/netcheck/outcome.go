// Package netcheck decides whether the network is usable before a transfer
// is attempted: a single-shot Prober, a retrying Controller with admission
// control and a debounce gate, and a Monitor that reports availability
// changes.
package netcheck

// Outcome is the result of one connectivity probe.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeTLSFailure
	OutcomeNetworkDisabled
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTLSFailure:
		return "tls_failure"
	case OutcomeNetworkDisabled:
		return "network_disabled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another probe attempt could change the result.
// A missing transport and a broken TLS handshake are final.
func (o Outcome) Retryable() bool {
	return o == OutcomeTimeout
}
