package failure

import (
	"errors"
	"fmt"

	"github.com/crosslist/autopilot/internal/domain"
)

// CallError carries the raw context of a failed marketplace call. Engines
// return it instead of bare errors so the categorizer never has to guess from
// strings alone.
type CallError struct {
	Marketplace domain.Marketplace
	HTTPStatus  int
	Headers     map[string]string
	Code        string
	Message     string
	Err         error
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s call failed: %s (status %d)", e.Marketplace, e.Message, e.HTTPStatus)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s call failed: %v", e.Marketplace, e.Err)
	}
	return fmt.Sprintf("%s call failed (status %d)", e.Marketplace, e.HTTPStatus)
}

func (e *CallError) Unwrap() error { return e.Err }

// ContextFor builds a categorizer context from any error. A *CallError keeps
// its full context; other errors carry only their message.
func ContextFor(err error, mp domain.Marketplace, attempt int) Context {
	ctx := Context{Err: err, Marketplace: mp, AttemptNumber: attempt}
	if ce, ok := AsCallError(err); ok {
		ctx.HTTPStatus = ce.HTTPStatus
		ctx.Headers = ce.Headers
		ctx.Code = ce.Code
		ctx.Message = ce.Message
		if ce.Marketplace != "" {
			ctx.Marketplace = ce.Marketplace
		}
	}
	return ctx
}

// AsCallError unwraps err to a *CallError when one is in the chain.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
