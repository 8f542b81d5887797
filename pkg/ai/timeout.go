package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutAnalyzer struct {
	next    Analyzer
	timeout time.Duration
}

// WithTimeout bounds every call to next. Hitting the deadline yields ReasonTimeout.
func WithTimeout(next Analyzer, timeout time.Duration) Analyzer {
	if timeout <= 0 {
		return next
	}
	return &timeoutAnalyzer{next: next, timeout: timeout}
}

func (a *timeoutAnalyzer) Analyze(parent context.Context, doc Document) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		result, err := a.next.Analyze(ctx, doc)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, NewError(ReasonTimeout, out.err)
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, NewError(ReasonTimeout, fmt.Errorf("analyzer exceeded %s", a.timeout))
		}
		return Result{}, NewError(ReasonCancelled, ctx.Err())
	}
}
