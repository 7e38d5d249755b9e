package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/errs"
)

func TestFromErrorMapsValidationTo400(t *testing.T) {
	r := FromError(errs.Validationf("op", "bad input"))
	require.Equal(t, 400, r.Status)
	require.Equal(t, CodeValidation, r.Code)
}

func TestFromErrorMapsNotFoundTo404(t *testing.T) {
	r := FromError(errs.NotFoundf("op", "missing"))
	require.Equal(t, 404, r.Status)
	require.Equal(t, CodeNotFound, r.Code)
}

func TestFromErrorMapsConflictTo409(t *testing.T) {
	r := FromError(errs.OngoingTransaction("op"))
	require.Equal(t, 409, r.Status)
	require.Equal(t, CodeConflict, r.Code)
}

func TestFromErrorMapsNotImplementedTo501(t *testing.T) {
	r := FromError(errs.NotImplemented("op"))
	require.Equal(t, 501, r.Status)
	require.Equal(t, CodeNotImplemented, r.Code)
}

func TestFromErrorMapsStorageIOTo500(t *testing.T) {
	r := FromError(errs.StorageIOErr("op", nil))
	require.Equal(t, 500, r.Status)
	require.Equal(t, CodeInternal, r.Code)
}
