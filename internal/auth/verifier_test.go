package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

func newVerifier(t *testing.T, baseURL string, opts ...auth.Option) *auth.Verifier {
	t.Helper()
	opts = append([]auth.Option{auth.WithLogger(zaptest.NewLogger(t))}, opts...)
	return auth.NewVerifier(baseURL, opts...)
}

func TestAuthenticate(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	backend.AddUser("good-token", auth.User{ID: "7", Name: "Ada", Email: "ada@example.com"})
	v := newVerifier(t, backend.URL)

	t.Run("accepted credential", func(t *testing.T) {
		user, err := v.Authenticate(context.Background(), "good-token")
		require.NoError(t, err)
		assert.Equal(t, auth.User{ID: "7", Name: "Ada", Email: "ada@example.com"}, user)
	})

	t.Run("rejected credential", func(t *testing.T) {
		_, err := v.Authenticate(context.Background(), "bad-token")
		require.Error(t, err)
		assert.True(t, auth.IsReason(err, auth.ReasonRemoteRejected), err.Error())
	})

	t.Run("missing credential makes no call", func(t *testing.T) {
		before := backend.MeCalls.Load()
		_, err := v.Authenticate(context.Background(), "   ")
		require.Error(t, err)
		assert.True(t, auth.IsReason(err, auth.ReasonMissingCredential))
		assert.Equal(t, before, backend.MeCalls.Load())
	})
}

func TestAuthenticateResponseShapes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   auth.User
		reason auth.Reason
	}{
		{
			name:   "numeric id",
			status: http.StatusOK,
			body:   `{"success":true,"user":{"id":42,"name":"Bo","email":"bo@example.com","role":"admin"}}`,
			want:   auth.User{ID: "42", Name: "Bo", Email: "bo@example.com"},
		},
		{
			name:   "success flag false",
			status: http.StatusOK,
			body:   `{"success":false,"user":{"id":42}}`,
			reason: auth.ReasonRemoteRejected,
		},
		{
			name:   "no user object",
			status: http.StatusOK,
			body:   `{"success":true}`,
			reason: auth.ReasonRemoteRejected,
		},
		{
			name:   "null user id",
			status: http.StatusOK,
			body:   `{"success":true,"user":{"id":null}}`,
			reason: auth.ReasonRemoteRejected,
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `<html>`,
			reason: auth.ReasonRemoteRejected,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"success":true,"user":{"id":1}}`,
			reason: auth.ReasonRemoteRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/auth/me", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Accept"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			user, err := newVerifier(t, srv.URL+"/api/").Authenticate(context.Background(), "tok")
			if tt.reason != "" {
				require.Error(t, err)
				assert.True(t, auth.IsReason(err, tt.reason), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, user)
		})
	}
}

func TestAuthenticateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	_, err := newVerifier(t, baseURL).Authenticate(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, auth.IsReason(err, auth.ReasonRemoteUnreachable), err.Error())
}

func TestAuthenticateTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newVerifier(t, srv.URL, auth.WithTimeout(50*time.Millisecond)).
		Authenticate(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, auth.IsReason(err, auth.ReasonRemoteUnreachable), err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAuthorizeConversation(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	backend.AddUser("tok", auth.User{ID: "7"})
	backend.Grant("7", "1", "2")
	backend.FailConversation("500")
	v := newVerifier(t, backend.URL)
	ctx := context.Background()

	assert.True(t, v.AuthorizeConversation(ctx, "7", "1", "tok"))
	assert.True(t, v.AuthorizeConversation(ctx, "7", "2", "tok"))
	assert.False(t, v.AuthorizeConversation(ctx, "7", "999", "tok"), "not granted")
	assert.False(t, v.AuthorizeConversation(ctx, "7", "500", "tok"), "backend error")
	assert.False(t, v.AuthorizeConversation(ctx, "7", "1", "other"), "unknown credential")

	before := backend.AccessCalls.Load()
	assert.False(t, v.AuthorizeConversation(ctx, "7", " ", "tok"), "empty id")
	assert.Equal(t, before, backend.AccessCalls.Load())
}

func TestAuthorizeConversationIsNotCached(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	backend.AddUser("tok", auth.User{ID: "7"})
	v := newVerifier(t, backend.URL)

	assert.False(t, v.AuthorizeConversation(context.Background(), "7", "3", "tok"))
	backend.Grant("7", "3")
	assert.True(t, v.AuthorizeConversation(context.Background(), "7", "3", "tok"))
	assert.EqualValues(t, 2, backend.AccessCalls.Load())
}

func TestAuthorizeConversationEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(map[string]bool{"hasAccess": true})
	}))
	defer srv.Close()

	assert.True(t, newVerifier(t, srv.URL).AuthorizeConversation(context.Background(), "7", "a/b", "tok"))
	assert.Equal(t, "/conversations/a%2Fb/verify-access", gotPath)
}

func TestAuthorizeConversationUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	assert.False(t, newVerifier(t, baseURL).AuthorizeConversation(context.Background(), "7", "1", "tok"))
}

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    auth.ID
		wantErr bool
	}{
		{`42`, "42", false},
		{`"42"`, "42", false},
		{`" abc "`, "abc", false},
		{`4.2`, "", true},
		{`""`, "", true},
		{`null`, "", true},
		{`{"id":1}`, "", true},
		{`[1]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id auth.ID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}
