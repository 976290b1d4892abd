package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	appErr "github.com/siteforge/engine/pkg/errors"
)

func TestStatusFor(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            appErr.NotFound("project"),
		http.StatusBadRequest:          appErr.New(appErr.CodeInvalid, "bad"),
		http.StatusConflict:            appErr.New(appErr.CodeInvalidTransition, "nope"),
		http.StatusServiceUnavailable:  appErr.New(appErr.CodeUnavailable, "down"),
		http.StatusInternalServerError: errors.New("plain"),
	}
	for want, err := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("wrapped: %w", appErr.NotFound("artifact"))))
}

func TestFromAppErrorHidesInternals(t *testing.T) {
	assert.Nil(t, FromAppError(nil))
	assert.Equal(t, &APIError{Code: "not_found", Message: "project not found"}, FromAppError(appErr.NotFound("project")))
	assert.Equal(t, &APIError{Code: "internal", Message: "internal error"}, FromAppError(errors.New("pq: password authentication failed")))
}
