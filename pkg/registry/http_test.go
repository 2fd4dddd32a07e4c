package registry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/pkg/manifest"
)

func newTestRouter(t *testing.T) (*mux.Router, *Service) {
	t.Helper()
	svc := newTestService(t)
	r := mux.NewRouter()
	NewHandler(svc, nil).Register(r)
	return r, svc
}

func doRequest(r *mux.Router, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func publishBody(t *testing.T, m *manifest.Manifest, artifact []byte) []byte {
	t.Helper()
	body, err := json.Marshal(publishRequest{
		Manifest: m,
		Artifact: base64.StdEncoding.EncodeToString(artifact),
	})
	require.NoError(t, err)
	return body
}

func TestHTTPPublishAndGet(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/api/v1/plugins", publishBody(t, publishedManifest("audit-log", "1.0.0"), cleanSource))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(r, http.MethodGet, "/api/v1/plugins/audit-log", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entry    Entry              `json:"entry"`
		Manifest *manifest.Manifest `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "audit-log", resp.Entry.Identifier)
	assert.Equal(t, "1.0.0", resp.Entry.Version)
	require.NotNil(t, resp.Manifest)
	assert.Equal(t, "audit-log", resp.Manifest.Identifier)
}

func TestHTTPPublishConflict(t *testing.T) {
	r, _ := newTestRouter(t)
	body := publishBody(t, publishedManifest("p", "1.0.0"), cleanSource)

	require.Equal(t, http.StatusCreated, doRequest(r, http.MethodPost, "/api/v1/plugins", body).Code)
	assert.Equal(t, http.StatusConflict, doRequest(r, http.MethodPost, "/api/v1/plugins", body).Code)
}

func TestHTTPPublishRejectsUnsafeSource(t *testing.T) {
	r, _ := newTestRouter(t)
	body := publishBody(t, publishedManifest("p", "1.0.0"), []byte(`os.execute("id")`))
	assert.Equal(t, http.StatusUnprocessableEntity, doRequest(r, http.MethodPost, "/api/v1/plugins", body).Code)
}

func TestHTTPPublishBadRequests(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte("{")},
		{"missing manifest", []byte(`{"artifact":""}`)},
		{"artifact not base64", []byte(`{"manifest":{"identifier":"p","version":"1.0.0"},"artifact":"%%%"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, doRequest(r, http.MethodPost, "/api/v1/plugins", tt.body).Code)
		})
	}
}

func TestHTTPGetNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, doRequest(r, http.MethodGet, "/api/v1/plugins/ghost", nil).Code)
}

func TestHTTPSearch(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, id := range []string{"audit-log", "audit-export", "rate-limiter"} {
		rec := doRequest(r, http.MethodPost, "/api/v1/plugins", publishBody(t, publishedManifest(id, "1.0.0"), cleanSource))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(r, http.MethodGet, "/api/v1/plugins?q=audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plugins []Entry `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Plugins, 2)

	assert.Equal(t, http.StatusBadRequest, doRequest(r, http.MethodGet, "/api/v1/plugins?limit=nope", nil).Code)
}

func TestHTTPGetVersion(t *testing.T) {
	r, _ := newTestRouter(t)
	body := publishBody(t, publishedManifest("p", "1.0.0"), cleanSource)
	require.Equal(t, http.StatusCreated, doRequest(r, http.MethodPost, "/api/v1/plugins", body).Code)

	rec := doRequest(r, http.MethodGet, "/api/v1/plugins/p/versions/1.0.0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "p@1.0.0", m.Key())

	assert.Equal(t, http.StatusNotFound, doRequest(r, http.MethodGet, "/api/v1/plugins/p/versions/9.9.9", nil).Code)
}

func TestHTTPDownload(t *testing.T) {
	r, _ := newTestRouter(t)
	body := publishBody(t, publishedManifest("p", "1.0.0"), cleanSource)
	require.Equal(t, http.StatusCreated, doRequest(r, http.MethodPost, "/api/v1/plugins", body).Code)

	rec := doRequest(r, http.MethodGet, "/api/v1/plugins/p/versions/1.0.0/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, cleanSource, rec.Body.Bytes())
}
