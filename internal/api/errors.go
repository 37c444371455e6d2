package api

import (
	"errors"

	"github.com/samcharles93/xent/internal/xent"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// isClientError reports whether err was caused by the request contents
// rather than by the server.
func isClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		xent.ErrShapeMismatch,
		xent.ErrInvalidConfig,
		xent.ErrAllLabelsIgnored,
		xent.ErrLabelOutOfRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorParam(err error) string {
	var ire invalidRequestError
	if errors.As(err, &ire) {
		return ire.param
	}
	return ""
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, xent.ErrAllLabelsIgnored):
		return "all_labels_ignored"
	case errors.Is(err, xent.ErrLabelOutOfRange):
		return "label_out_of_range"
	case errors.Is(err, xent.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, xent.ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, xent.ErrKernelFault):
		return "kernel_fault"
	default:
		return ""
	}
}
