package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/internal/ctxkeys"
	"github.com/tessellate-ai/graphrag/types"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteSuccess(w, r, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteSuccess_RequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-42"))

	WriteSuccess(w, r, nil)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid query",
			err:            types.NewError(types.ErrInvalidQuery, "query text is empty"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   string(types.ErrInvalidQuery),
		},
		{
			name:           "invalid mode",
			err:            types.NewError(types.ErrInvalidMode, "unknown search mode"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   string(types.ErrInvalidMode),
		},
		{
			name:           "unauthorized",
			err:            types.NewError(types.ErrUnauthorized, "missing token"),
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   string(types.ErrUnauthorized),
		},
		{
			name:           "rate limited",
			err:            types.NewError(types.ErrRateLimited, "too many requests"),
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   string(types.ErrRateLimited),
		},
		{
			name:           "no evidence",
			err:            types.NewError(types.ErrNoEvidence, "no channel produced evidence"),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   string(types.ErrNoEvidence),
		},
		{
			name:           "internal error",
			err:            types.NewError(types.ErrInternal, "store connection failed"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   string(types.ErrInternal),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			WriteError(w, r, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)

			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteError_ExplicitStatusWins(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	err := types.NewError(types.ErrInvalidQuery, "tenant id is required").WithHTTPStatus(http.StatusUnprocessableEntity)

	WriteError(w, r, err, zap.NewNop())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDecodeJSONBody(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid body", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"hello"}`))

		var dst struct {
			Query string `json:"query"`
		}
		err := DecodeJSONBody(w, r, &dst, logger)
		require.NoError(t, err)
		assert.Equal(t, "hello", dst.Query)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))

		var dst map[string]any
		err := DecodeJSONBody(w, r, &dst, logger)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"bogus":true}`)))

		var dst struct {
			Query string `json:"query"`
		}
		err := DecodeJSONBody(w, r, &dst, logger)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"json", "application/json", true},
		{"json with charset", "application/json; charset=utf-8", true},
		{"text", "text/plain", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			assert.Equal(t, tt.want, ValidateContentType(w, r, logger))
		})
	}
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // 第二次写入被忽略

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_WriteDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
