// Package cos provides low-level identity, id-generation and error-kind
// helpers shared across the fabric. Adapted from the teacher's cmn/cos
// package (err.go, uuid.go) and narrowed to what the fabric needs.
package cos

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/kernelfabric/kernelfabric/cmn/nlog"
)

var (
	ErrUnknownPeer      = errors.New("destination identity is not connected")
	ErrDuplicateHandler = errors.New("message type already has a registered handler")
	ErrCapacityExceeded = errors.New("provider is at capacity")
	ErrNoProviders      = errors.New("no providers available")
)

func IsErrUnknownPeer(err error) bool      { return errors.Is(err, ErrUnknownPeer) }
func IsErrDuplicateHandler(err error) bool { return errors.Is(err, ErrDuplicateHandler) }
func IsErrCapacityExceeded(err error) bool { return errors.Is(err, ErrCapacityExceeded) }
func IsErrNoProviders(err error) bool      { return errors.Is(err, ErrNoProviders) }

// Errs is a bounded, deduplicated multi-error accumulator, used for
// best-effort cleanup paths (e.g. node workspace clearing) where
// a caller wants to keep going after a failure but still surface it.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

const maxErrs = 8

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

const fatalPrefix = "FATAL ERROR: "

// ExitLogf logs a fatal message and exits 1. Used by cmd/ entrypoints for
// unrecoverable startup failures (bad flags, bind/connect errors).
func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	nlog.Errorf("%s", msg)
	nlog.Flush()
	os.Exit(1)
}

func (e *Errs) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Errorf("%d error(s), first: %v", len(e.errs), e.errs[0])
}
