package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	prevAddr, prevToken := apiAddr, apiToken
	apiAddr, apiToken = srv.URL+"/", "secret"
	t.Cleanup(func() { apiAddr, apiToken = prevAddr, prevToken })
}

func TestAPIGetSendsBearerToken(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})

	body, err := apiGet("/functions")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
}

func TestAPIErrors(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin/functions" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"duplicate function id","code":"duplicate_id","field":"id"}`))
			return
		}
		http.Error(w, "function exited with code 3", http.StatusInternalServerError)
	})

	_, err := apiGet("/admin/functions")
	require.Error(t, err)
	assert.Equal(t, "API error (409): duplicate function id [id]", err.Error())

	_, err = apiGet("/functions/x")
	require.Error(t, err)
	assert.Equal(t, "API error (500): function exited with code 3", err.Error())
}

func TestAPIPostMultipart(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(in, []byte("hello"), 0o644))

	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "calc", r.FormValue("id"))
		f, fh, err := r.FormFile("input_0")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "a.txt", fh.Filename)
		assert.Equal(t, "hello", string(data))

		w.Header().Set("Content-Disposition", `attachment; filename="output_0.bin"`)
		w.Write([]byte("done"))
	})

	resp, body, err := apiPostMultipart(apiClient, "/functions/calc/invoke", map[string]string{"id": "calc"}, []formFile{{Field: "input_0", Path: in}})
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, "output_0.bin", attachmentName(resp.Header.Get("Content-Disposition"), "x"))
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="outputs.zip"`, "outputs.zip"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`attachment`, "fallback"},
		{``, "fallback"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, attachmentName(tt.header, "fallback"), tt.header)
	}
}
