package errors

import (
	"fmt"
)

var (
	ErrInvalidInput       = fmt.Errorf("memoria: invalid input")
	ErrNotFound           = fmt.Errorf("memoria: not found")
	ErrPermissionDenied   = fmt.Errorf("memoria: permission denied")
	ErrServiceUnavailable = fmt.Errorf("memoria: service unavailable")
	ErrConsistency        = fmt.Errorf("memoria: consistency violation")
	ErrInvalidConfig      = fmt.Errorf("memoria: invalid config")
)
