package api

import "github.com/rpcpool/vectorhash/internal/errs"

// FromError converts an internal/errs.Error (or any error) into the wire
// envelope, per spec.md 6's status/code mapping: 400 validation, 404 not
// found, 409 conflict, 500 internal/storage, 501 not implemented.
func FromError(err error) ErrorResponse {
	kind := errs.KindOf(err)
	code := codeForKind(kind, err)
	return ErrorResponse{
		Status:  code.HTTPStatus(),
		Code:    code,
		Message: err.Error(),
	}
}

func codeForKind(kind errs.Kind, err error) ErrorCode {
	switch kind {
	case errs.Validation:
		return CodeValidation
	case errs.NotFound:
		return CodeNotFound
	case errs.Conflict:
		return CodeConflict
	case errs.StorageIO, errs.Lazy, errs.Internal:
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.Internal && e.Message == "not implemented" {
			return CodeNotImplemented
		}
		return CodeInternal
	default:
		return CodeInternal
	}
}
