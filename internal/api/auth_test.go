package api

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crdrive/testutil"
)

func newJarClient(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &http.Client{Jar: jar}
}

func TestAuthClient_LoginAndRefresh(t *testing.T) {
	backend := testutil.NewBackend(t)
	auth := NewAuthClient(backend.URL(), newJarClient(t), nil, "")

	res, err := auth.Login(context.Background(), Credentials{Email: backend.Email, Password: backend.Password})
	require.NoError(t, err)
	assert.Equal(t, backend.CurrentToken(), res.AccessToken)
	require.NotNil(t, res.User)
	assert.Equal(t, backend.Email, res.User.Email)

	// The refresh credential travels only through the cookie jar.
	refreshed, err := auth.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, res.AccessToken, refreshed.AccessToken)
	assert.Equal(t, backend.CurrentToken(), refreshed.AccessToken)
	assert.Equal(t, 1, backend.Count("/auth/refresh"))
}

func TestAuthClient_LoginBadCredentials(t *testing.T) {
	backend := testutil.NewBackend(t)
	auth := NewAuthClient(backend.URL(), newJarClient(t), nil, "")

	_, err := auth.Login(context.Background(), Credentials{Email: backend.Email, Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid email or password", apiErr.Message)
}

func TestAuthClient_RefreshWithoutCookie(t *testing.T) {
	backend := testutil.NewBackend(t)
	auth := NewAuthClient(backend.URL(), newJarClient(t), nil, "")

	_, err := auth.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, backend.Count("/auth/refresh"), "refresh is never retried")
}

func TestAuthClient_RegisterThenLogin(t *testing.T) {
	backend := testutil.NewBackend(t)
	auth := NewAuthClient(backend.URL(), newJarClient(t), nil, "")

	err := auth.Register(context.Background(), Registration{Email: "new@example.com", Name: "New", Password: "pw"})
	require.NoError(t, err)

	res, err := auth.Login(context.Background(), Credentials{Email: "new@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
}

func TestAuthClient_LogoutRevokesRefresh(t *testing.T) {
	backend := testutil.NewBackend(t)
	auth := NewAuthClient(backend.URL(), newJarClient(t), nil, "")

	res, err := auth.Login(context.Background(), Credentials{Email: backend.Email, Password: backend.Password})
	require.NoError(t, err)

	require.NoError(t, auth.Logout(context.Background(), res.AccessToken))

	_, err = auth.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthClient_IncompleteResponse(t *testing.T) {
	srv := newStaticServer(t, http.StatusOK, `{"code":0,"message":"ok","data":{"access_token":"","user":null}}`)
	auth := NewAuthClient(srv.URL, nil, nil, "")

	_, err := auth.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteAuth)
}
