/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package adaptivelimit

import (
	"fmt"
	"time"
)

// AdmissionError is returned by Limiter.Admit when the context is done before the request is admitted.
type AdmissionError struct {
	Waited time.Duration
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("request not admitted after waiting %s: %v", e.Waited, e.Err)
}

// Unwrap returns the context error.
func (e *AdmissionError) Unwrap() error {
	return e.Err
}
