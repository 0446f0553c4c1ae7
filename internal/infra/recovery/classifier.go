package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/infra/breaker"
)

// Category is the retry decision for an error.
type Category int

const (
	// NonRecoverable errors fail immediately.
	NonRecoverable Category = iota
	// Recoverable errors are retried within the policy budget.
	Recoverable
	// Unavailable means the dependency's breaker is open.
	Unavailable
)

func (c Category) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Unavailable:
		return "unavailable"
	default:
		return "non_recoverable"
	}
}

var (
	permanentPatterns = []string{
		"invalid", "unauthorized", "forbidden", "authentication",
		"compliance", "limit exceeded", "insufficient funds", "account closed",
	}
	transientPatterns = []string{
		"timeout", "timed out", "connection reset", "connection refused",
		"broken pipe", "no such host", "eof", "rate limit", "too many requests",
		"429", "502", "503", "504", "congestion", "temporarily unavailable",
		"try again",
	}
)

// Classify decides whether err is worth retrying. Errors that match nothing
// are non-recoverable: a money movement that failed for an unknown reason is
// not retried blindly.
func Classify(err error) Category {
	if err == nil {
		return NonRecoverable
	}

	switch {
	case errors.Is(err, apperr.ErrServiceUnavailable):
		return Unavailable
	case errors.Is(err, context.Canceled):
		return NonRecoverable
	case apperr.IsPermanent(err):
		return NonRecoverable
	}

	var pe *apperr.ProcessorError
	if errors.As(err, &pe) {
		return Recoverable // IsPermanent already handled the non-recoverable ones
	}

	if errors.Is(err, breaker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Recoverable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Recoverable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Recoverable
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return Recoverable
		case codes.Unknown:
			// fall through to text matching
		default:
			return NonRecoverable
		}
	}

	s := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(s, p) {
			return NonRecoverable
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(s, p) {
			return Recoverable
		}
	}
	return NonRecoverable
}
