package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "no version segment appends default",
			input: "https://example.test",
			want:  "https://example.test/api/v4",
		},
		{
			name:  "path without version segment collapses to origin",
			input: "https://example.test/gitlab",
			want:  "https://example.test/api/v4",
		},
		{
			name:  "already normalized used as-is",
			input: "https://example.test/api/v4",
			want:  "https://example.test/api/v4",
		},
		{
			name:  "trailing slash trimmed",
			input: "https://example.test/api/v4/",
			want:  "https://example.test/api/v4",
		},
		{
			name:  "supported version under a prefix kept",
			input: "https://example.test/gitlab/api/v4",
			want:  "https://example.test/gitlab/api/v4",
		},
		{
			name:    "unsupported version rejected",
			input:   "https://example.test/api/v3",
			wantErr: true,
		},
		{
			name:    "empty rejected",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing scheme rejected",
			input:   "example.test/api/v4",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBaseURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientSendsToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("PRIVATE-TOKEN")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"username":"dev"}`))
	}))
	defer srv.Close()

	client := NewClient(Credentials{Token: "tok-A", BaseURL: srv.URL}, time.Second, Hooks{})
	err := client.Do(context.Background(), http.MethodGet, "/user", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-A", gotToken)
}

func TestClientHooksObserveCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var beforeCalled, afterCalled bool
	var afterStatus int
	hooks := Hooks{
		Before: func(ctx context.Context, method, url string) { beforeCalled = true },
		After: func(ctx context.Context, method, url string, status int, d time.Duration, err error) {
			afterCalled = true
			afterStatus = status
		},
	}

	client := NewClient(Credentials{Token: "tok", BaseURL: srv.URL}, time.Second, hooks)
	require.NoError(t, client.Do(context.Background(), http.MethodGet, "/user", nil, nil, nil))
	assert.True(t, beforeCalled)
	assert.True(t, afterCalled)
	assert.Equal(t, http.StatusOK, afterStatus)
}

func TestValidateClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantTag string
	}{
		{"valid", http.StatusOK, `{"id":1,"username":"dev"}`, ""},
		{"expired token", http.StatusUnauthorized, `{"message":"401 Unauthorized. Token is expired."}`, gwerrors.TagTokenExpired},
		{"revoked token", http.StatusUnauthorized, `{"message":"401 Unauthorized. Token was revoked."}`, gwerrors.TagTokenExpired},
		{"invalid token", http.StatusUnauthorized, `{"message":"401 Unauthorized"}`, gwerrors.TagTokenInvalid},
		{"forbidden", http.StatusForbidden, `{"message":"403 Forbidden"}`, gwerrors.TagTokenInvalid},
		{"upstream failure", http.StatusBadGateway, `bad gateway`, gwerrors.TagUpstreamUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(Credentials{Token: "tok", BaseURL: srv.URL}, time.Second, Hooks{})
			err := Validate(context.Background(), client)

			if tt.wantTag == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			gwErr, ok := gwerrors.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantTag, gwErr.Tag())
		})
	}
}

func TestValidateUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(Credentials{Token: "tok", BaseURL: srv.URL}, time.Second, Hooks{})
	err := Validate(context.Background(), client)

	require.Error(t, err)
	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.TagUpstreamUnreachable, gwErr.Tag())
}
