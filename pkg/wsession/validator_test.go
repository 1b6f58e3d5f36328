package wsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPValidator_Validate(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      bool
		errorType errors.ErrorType
	}{
		{"valid key", http.StatusOK, "true", true, ""},
		{"invalid key", http.StatusOK, "false", false, ""},
		{"unauthorized", http.StatusUnauthorized, "", false, ""},
		{"forbidden", http.StatusForbidden, "", false, ""},
		{"server error", http.StatusInternalServerError, "", false, errors.ErrorTypeNetwork},
		{"not a boolean", http.StatusOK, `{"valid":true}`, false, errors.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey, gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get(SessionKeyHeader)
				gotPath = r.URL.Path
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v := NewHTTPValidator(srv.URL+"/", "/api/user/validate", time.Second)
			valid, err := v.Validate(context.Background(), "key-123")

			assert.Equal(t, "key-123", gotKey)
			assert.Equal(t, "/api/user/validate", gotPath)
			assert.Equal(t, tt.want, valid)
			if tt.errorType == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.errorType, errors.TypeOf(err))
		})
	}
}

func TestHTTPValidator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := NewHTTPValidator(url, "/api/user/validate", time.Second)
	valid, err := v.Validate(context.Background(), "key")

	assert.False(t, valid)
	assert.True(t, errors.IsNetworkError(err))
}
