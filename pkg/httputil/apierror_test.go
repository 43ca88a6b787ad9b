package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(rec, BadRequestError(205, "Enrollment not found"))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(205), body["code"])
	assert.Equal(t, "Enrollment not found", body["error"])
	_, hasStatus := body["status"]
	assert.False(t, hasStatus)
}

func TestWriteAPIErrorUnwrapsWrapped(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := fmt.Errorf("handling request: %w", BadRequestError(207, "Not your enrollment"))
	WriteAPIError(rec, wrapped)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":207`)
}

func TestWriteAPIErrorOpaqueFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(rec, errors.New("connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIsAPIError(t *testing.T) {
	err := BadRequestError(206, "Awarded enrollments cannot be withdrawn")

	assert.True(t, IsAPIError(err, 206))
	assert.False(t, IsAPIError(err, 207))
	assert.False(t, IsAPIError(errors.New("plain"), 206))
	assert.True(t, IsAPIError(fmt.Errorf("wrapped: %w", err), 206))
}
