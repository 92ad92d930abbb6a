package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/g960059/ridewatch/internal/backend"
)

// Kind is the closed set of failure classes every caller branches on.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindPolicy        Kind = "policy"
	KindNotFound      Kind = "not-found"
	KindSchemaMissing Kind = "schema-missing"
	KindAuth          Kind = "auth"
	KindServer        Kind = "server"
	KindClient        Kind = "client"
	KindCanceled      Kind = "canceled"
)

// PolicyCode is the backend code for a row-level policy that recurses
// into itself.
const PolicyCode = "42P17"

var schemaMissingCodes = map[string]bool{
	"PGRST205": true, // table or view not in schema cache
	"42P01":    true, // undefined_table
	"PGRST202": true, // function not in schema cache
	"42883":    true, // undefined_function
}

// Error is a classified backend failure.
type Error struct {
	Kind          Kind
	IsPolicyError bool
	StatusCode    int
	Code          string
	Message       string
	Details       string
	Hint          string
	Path          string
	Attempts      int
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	switch {
	case e.Code != "" && e.Message != "":
		fmt.Fprintf(&b, " error %s: %s", e.Code, e.Message)
	case e.Message != "":
		fmt.Fprintf(&b, " error: %s", e.Message)
	case e.Err != nil:
		fmt.Fprintf(&b, " error: %v", e.Err)
	default:
		b.WriteString(" error")
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether another attempt of the same request can
// succeed. Policy errors only qualify for critical requests.
func (e *Error) Retryable(critical bool) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTransport, KindServer:
		return true
	case KindPolicy:
		return critical
	default:
		return false
	}
}

// Classify maps any error returned by a backend call onto the taxonomy.
// It returns nil for nil and passes an existing *Error through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Message: "request canceled", Err: err}
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return classifyBackend(be, err)
	}
	if isTransportErr(err) {
		return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindClient, Message: err.Error(), Err: err}
}

func classifyBackend(be *backend.Error, err error) *Error {
	out := &Error{
		StatusCode: be.StatusCode,
		Code:       be.Code,
		Message:    be.Message,
		Details:    be.Details,
		Hint:       be.Hint,
		Err:        err,
	}
	switch {
	case isPolicy(be):
		out.Kind = KindPolicy
		out.IsPolicyError = true
	case schemaMissingCodes[be.Code]:
		out.Kind = KindSchemaMissing
	case be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden:
		out.Kind = KindAuth
	case be.StatusCode == http.StatusNotFound || be.Code == "PGRST116":
		out.Kind = KindNotFound
	case be.Retryable():
		out.Kind = KindServer
	default:
		out.Kind = KindClient
	}
	return out
}

func isPolicy(be *backend.Error) bool {
	if be.Code == PolicyCode {
		return true
	}
	for _, field := range []string{be.Message, be.Details} {
		lower := strings.ToLower(field)
		if strings.Contains(lower, "recursion") || strings.Contains(lower, "infinite") {
			return true
		}
	}
	return false
}

func isTransportErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// KindOf returns the classified kind of err, or "" for nil.
func KindOf(err error) Kind {
	if ce := Classify(err); ce != nil {
		return ce.Kind
	}
	return ""
}

func IsTransport(err error) bool { return KindOf(err) == KindTransport }

func IsPolicy(err error) bool { return KindOf(err) == KindPolicy }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsSchemaMissing(err error) bool { return KindOf(err) == KindSchemaMissing }

// Unreachable reports whether err means the backend never answered.
// Connection monitors use it so a policy or auth rejection still counts
// as a reachable backend.
func Unreachable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindServer, KindCanceled:
		return true
	default:
		return false
	}
}
