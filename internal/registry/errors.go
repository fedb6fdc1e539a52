package registry

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrSigningFailure    = errors.New("signing failure")
	ErrSubmissionFailure = errors.New("submission failure")
	ErrStorageFailure    = errors.New("storage failure")
	ErrTransportFailure  = errors.New("transport failure")
	ErrNotFound          = errors.New("registry record not found")
	ErrLookupFailure     = errors.New("registry lookup failure")
)

const (
	KindSigning    = "signing"
	KindSubmission = "submission"
	KindStorage    = "storage"
	KindTransport  = "transport"
	KindNotFound   = "not_found"
	KindLookup     = "lookup"
	KindCanceled   = "canceled"
	KindInvalid    = "invalid"
	KindUnknown    = "unknown"
)

// Failure ties a collaborator error to one of the taxonomy sentinels.
// errors.Is matches both the sentinel and the wrapped cause.
type Failure struct {
	Kind error
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	var b strings.Builder
	if f.Op != "" {
		b.WriteString(f.Op)
		b.WriteString(": ")
	}
	if f.Kind != nil {
		b.WriteString(f.Kind.Error())
	}
	if f.Err != nil {
		if f.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	out := make([]error, 0, 2)
	if f.Kind != nil {
		out = append(out, f.Kind)
	}
	if f.Err != nil {
		out = append(out, f.Err)
	}
	return out
}

// Fail classifies err under kind. An error that is already a *Failure keeps its
// original classification.
func Fail(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) {
		return err
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf returns a stable label for metrics and logs.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrSigningFailure):
		return KindSigning
	case errors.Is(err, ErrSubmissionFailure):
		return KindSubmission
	case errors.Is(err, ErrStorageFailure):
		return KindStorage
	case errors.Is(err, ErrTransportFailure):
		return KindTransport
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrLookupFailure):
		return KindLookup
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	default:
		return KindUnknown
	}
}
