package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	domain := errors.New("inventory: insufficient inventory")
	cases := []struct {
		err    error
		status int
	}{
		{Tag(ErrValidation, errors.New("bad")), http.StatusBadRequest},
		{Tag(ErrUnprocessable, domain), http.StatusUnprocessableEntity},
		{Tag(ErrUnavailable, errors.New("conflict")), http.StatusServiceUnavailable},
		{Tag(ErrNotFound, errors.New("missing")), http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}
	require.ErrorIs(t, Tag(ErrUnprocessable, domain), domain)
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("password=secret"))
	require.NotContains(t, rr.Body.String(), "secret")
}
