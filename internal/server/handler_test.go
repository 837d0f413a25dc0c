package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/airband/internal/protocol"
)

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenEndpointIssuesUsableToken(t *testing.T) {
	ts := startTestServer(t)

	body, _ := json.Marshal(TokenRequest{UserID: "client9", DisplayName: "Approach", Frequency: "124.350"})
	resp, err := http.Post(ts.srv.URL+"/api/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr TokenResponse
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.Equal(t, "client9", tr.UserID)
	assert.NotEmpty(t, tr.Token)

	// The issued token authorizes the clients endpoint.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/clients", nil)
	req.Header.Set("Authorization", "Bearer "+tr.Token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestTokenEndpointRejectsBadBody(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/auth/token", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientsEndpointRequiresToken(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/clients", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestOriginFilter(t *testing.T) {
	ts := startTestServer(t)

	get := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// Native clients send no Origin header and pass through.
	resp := get("")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get("http://app.local")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://app.local", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = get("http://evil.example")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Preflight for an allowed origin short-circuits with 204.
	req, _ := http.NewRequest(http.MethodOptions, ts.srv.URL+"/api/auth/token", nil)
	req.Header.Set("Origin", "http://app.local")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
}

func TestClientsEndpointListsConnected(t *testing.T) {
	ts := startTestServer(t)

	conn := ts.dial(t)
	wsLogin(t, conn, "client1", "token1")

	body, _ := json.Marshal(TokenRequest{UserID: "ops"})
	resp, err := http.Post(ts.srv.URL+"/api/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var tr TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/clients", nil)
	req.Header.Set("Authorization", "Bearer "+tr.Token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var out struct {
		Clients []protocol.ClientIdentity `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	require.Len(t, out.Clients, 1)
	assert.Equal(t, "client1", out.Clients[0].ID)
}
