// Package cerr defines Conary's error taxonomy: a small set of error kinds
// with defined fatality and propagation rules, shared by every subsystem
// from the CAS up through the transaction engine and router.
package cerr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies an error for the purposes of fatality and propagation.
type Kind int

const (
	// Integrity: checksum mismatch, signature invalid, CAS content/hash
	// disagreement. Always fatal to the current operation.
	Integrity Kind = iota
	// Conflict: file ownership conflict, dependency conflict,
	// directory-vs-file collision. Fatal to the transaction.
	Conflict
	// Missing: package not found, chunk not found, key not imported,
	// interpreter absent. Fatal unless a downstream strategy exists.
	Missing
	// Transient: network or filesystem I/O during prepare. Retried with
	// bounded backoff; surfaced as Missing if retries exhaust.
	Transient
	// Policy: unsigned package with gpg_strict, script risk above
	// threshold with sandbox=never. Fatal to the operation, not the process.
	Policy
	// Sandbox: timeout, signal-kill, resource-limit hit. Non-fatal in
	// post-install; fatal in pre-install (transaction aborts).
	Sandbox
	// Internal: invariant violations that should be unreachable.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Integrity:
		return "integrity"
	case Conflict:
		return "conflict"
	case Missing:
		return "missing"
	case Transient:
		return "transient"
	case Policy:
		return "policy"
	case Sandbox:
		return "sandbox"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// ConaryError is the structured error type returned by every Conary
// subsystem. Op names the failing operation (e.g. "cas.store",
// "txn.apply_fs"); Subject is the most relevant identifier (a path, a
// package name, a hash).
type ConaryError struct {
	Kind    Kind
	Op      string
	Subject string
	Message string
	Err     error
}

func (e *ConaryError) Error() string {
	prefix := e.Op
	if e.Subject != "" {
		prefix = fmt.Sprintf("%s(%s)", e.Op, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", prefix, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", prefix, e.Kind, e.Message)
}

func (e *ConaryError) Unwrap() error {
	return e.Err
}

// Fatal reports whether an error of this kind is fatal to the transaction
// it occurred in. It reports true for every defined kind and does not look
// at the phase, so a Sandbox error reports true even in post-install.
func (k Kind) Fatal() bool {
	switch k {
	case Integrity, Conflict, Policy, Internal:
		return true
	case Missing, Transient:
		return true
	case Sandbox:
		return true
	default:
		return false
	}
}

// New builds a *ConaryError directly.
func New(kind Kind, op, subject, message string) *ConaryError {
	return &ConaryError{Kind: kind, Op: op, Subject: subject, Message: message}
}

// Wrap builds a *ConaryError around an underlying cause with the given
// kind. It does not classify the cause; use WrapTransport for that.
func Wrap(kind Kind, op, subject, message string, err error) *ConaryError {
	return &ConaryError{Kind: kind, Op: op, Subject: subject, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *ConaryError,
// otherwise returns Internal.
func KindOf(err error) Kind {
	var ce *ConaryError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// ClassifyTransport inspects a network/transport error and returns the
// Conary Kind that best describes it. Mirrors the registry client's
// classifyError, generalized for reuse by the router and refinery client.
func ClassifyTransport(err error) Kind {
	if err == nil {
		return Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Transient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Integrity
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg := strings.ToLower(urlErr.Err.Error())
		if strings.Contains(msg, "certificate") || strings.Contains(msg, "tls") || strings.Contains(msg, "x509") {
			return Integrity
		}
		return ClassifyTransport(urlErr.Err)
	}

	return Transient
}

// WrapTransport wraps a transport-layer error with a classified Kind.
func WrapTransport(op, subject, message string, err error) *ConaryError {
	return &ConaryError{Kind: ClassifyTransport(err), Op: op, Subject: subject, Message: message, Err: err}
}
