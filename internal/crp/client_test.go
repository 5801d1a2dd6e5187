package crp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealPasswordRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	sealed, err := sealWith(pemKey, "s3cret")
	require.NoError(t, err)

	cipher, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	plain, err := rsa.DecryptPKCS1v15(nil, key, cipher)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plain))
}

func TestSealPasswordUsesBuiltinKey(t *testing.T) {
	sealed, err := SealPassword("pw")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	// 1024-bit key yields 128-byte ciphertext
	assert.Len(t, raw, 128)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/api")
}

func TestLogin(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["userName"])
		assert.NotEqual(t, "pw", body["password"]) // sealed, never plaintext
		json.NewEncoder(w).Encode(map[string]string{"Token": "tok-1"})
	})

	tok, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestLoginWithoutToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})
	_, err := c.Login(context.Background(), "alice", "pw")
	assert.Error(t, err)
}

func TestTopicsAndReleases(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/topics/search":
			json.NewEncoder(w).Encode([]Topic{{ID: 9, Name: "weekly", TopicType: "test"}})
		case "/api/topics/9/releases":
			json.NewEncoder(w).Encode([]map[string]any{{
				"ID": 31, "ProjectID": 7, "ProjectName": "deepin-editor-v25",
				"Branch": "master", "BuildState": map[string]string{"state": "UPLOAD_OK"},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	topics, err := c.Topics(context.Background(), "tok", "alice", 3, "test")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, int64(9), topics[0].ID)

	releases, err := c.Releases(context.Background(), "tok", 9)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "UPLOAD_OK", releases[0].BuildState.State)
	assert.Equal(t, int64(7), releases[0].ProjectID)
}

func TestSubmitReleaseIntegerResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/topics/9/new_release", r.URL.Path)
		var body NewRelease
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deepin-editor-v25", body.ProjectName)
		assert.Equal(t, "amd64;arm64;loong64;sw64;mips64el", body.Arches)
		w.Write([]byte("42"))
	})

	id, err := c.SubmitRelease(context.Background(), "tok", NewRelease{
		TopicID: 9, ProjectID: 7, ProjectName: "deepin-editor-v25",
		Branch: "master", Commit: "abc", Tag: "6.0.1",
		Arches: "amd64;arm64;loong64;sw64;mips64el", BranchID: 3,
		Changelog: "fix: crash on save",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestSubmitReleaseObjectResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"ID": 77})
	})
	id, err := c.SubmitRelease(context.Background(), "tok", NewRelease{TopicID: 1, ProjectName: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
}

func TestSearchProjectShapes(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ID": 5, "Name": "deepin-editor-v25"})
		})
		id, err := c.SearchProject(context.Background(), "tok", "deepin-editor-v25", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(5), id)
	})
	t.Run("list", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{
				{"ID": 4, "Name": "other"},
				{"ID": 5, "Name": "deepin-editor-v25"},
			})
		})
		id, err := c.SearchProject(context.Background(), "tok", "deepin-editor-v25", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(5), id)
	})
	t.Run("miss", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("[]"))
		})
		id, err := c.SearchProject(context.Background(), "tok", "nope", 3)
		require.NoError(t, err)
		assert.Zero(t, id)
	})
}

func TestErrorStatusSurfaced(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "branch not allowed", http.StatusInternalServerError)
	})
	err := c.DeleteRelease(context.Background(), "tok", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "branch not allowed")
}

func TestNormalizeBuildState(t *testing.T) {
	assert.Equal(t, "success", NormalizeBuildState("UPLOAD_OK"))
	assert.Equal(t, "success", NormalizeBuildState("success"))
	assert.Equal(t, "success", NormalizeBuildState("OK"))
	assert.Equal(t, "failed", NormalizeBuildState("UPLOAD_GIVEUP"))
	assert.Equal(t, "failed", NormalizeBuildState("APPLY_FAILED"))
	assert.Equal(t, "building", NormalizeBuildState("APPLYING"))
	assert.Equal(t, "building", NormalizeBuildState("UPLOADING"))
	assert.Equal(t, "building", NormalizeBuildState(""))
	assert.Equal(t, "weird_state", NormalizeBuildState("WEIRD_STATE"))

	r := Release{}
	r.BuildState.State = "UPLOAD_OK"
	assert.Equal(t, "success", r.Result())
}

func TestTopicURL(t *testing.T) {
	c := NewClient("https://crp.example.com/api")
	assert.Equal(t, "https://crp.example.com/topics/9", c.TopicURL(9))
}
