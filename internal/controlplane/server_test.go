package controlplane

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/fnbox/internal/audit"
	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/bundle"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/connectors/localexec"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/models"
	"github.com/fentz26/fnbox/internal/registry"
	"github.com/fentz26/fnbox/internal/scheduler"
	"github.com/fentz26/fnbox/internal/store"
	"github.com/fentz26/fnbox/internal/testutil/fnbundle"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "admin-secret"
	userToken  = "user-secret"
)

type testEnv struct {
	server *Server
	store  *store.Store
	root   *bundle.Root
	ws     *dispatch.Workspaces
}

func newTestServer(t *testing.T, runner dispatch.Runner) (*testEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := t.TempDir()

	st, err := store.New(filepath.Join(base, "fnbox.db"))
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(base, "function.csv"))
	require.NoError(t, err)
	root, err := bundle.NewRoot(filepath.Join(base, "functions"), bundle.Layout{})
	require.NoError(t, err)
	reg, err := registry.New(cat, root, registry.Options{UploadTmpDir: filepath.Join(base, "uploads"), MaxUploadBytes: 4 << 20})
	require.NoError(t, err)
	ws, err := dispatch.NewWorkspaces(filepath.Join(base, "workspaces"))
	require.NoError(t, err)

	sched := scheduler.New(&scheduler.Config{Workers: 2, QueueSize: 2})
	if runner == nil {
		runner = sched
	}
	disp := dispatch.New(cat, root, localexec.New(root.Dir()), runner, ws, dispatch.Options{Timeout: 10 * time.Second})

	authz, err := auth.NewAuthorizer(auth.Config{Tokens: []auth.Token{
		{Token: adminToken, User: "root", Role: auth.RoleAdmin},
		{Token: userToken, User: "alice", Role: auth.RoleUser},
	}})
	require.NoError(t, err)

	svc := NewService(st, audit.NewPDRWriter(st), cat, reg, disp, sched)
	srv := NewServer(svc, authz, "127.0.0.1:0", ServerOptions{MaxUploadBytes: 4 << 20})

	cleanup := func() {
		sched.Stop()
		st.Close()
	}
	return &testEnv{server: srv, store: st, root: root, ws: ws}, cleanup
}

func (e *testEnv) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, url string, fields map[string]string, files map[string][]byte, filenames map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for field, data := range files {
		name := filenames[field]
		if name == "" {
			name = field + ".bin"
		}
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func registerFields(id string) map[string]string {
	return map[string]string{
		"id":                     id,
		"name":                   "Test " + id,
		"description":            "test function",
		"input_list":             "left, right",
		"output_list":            "result",
		"input_list_description": "Left file; Right file",
	}
}

func (e *testEnv) register(t *testing.T, id, script string) *httptest.ResponseRecorder {
	t.Helper()
	req := multipartRequest(t, "/admin/functions", registerFields(id),
		map[string][]byte{"zip_file": fnbundle.Zip(t, fnbundle.Files(script))},
		map[string]string{"zip_file": id + ".zip"})
	return e.do(req, adminToken)
}

func TestHealthEndpoint_OK(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := e.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
	if health.Pool.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", health.Pool.Workers)
	}
}

func TestHealthEndpoint_DBDown(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()
	e.store.Close()

	w := e.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := e.do(httptest.NewRequest(http.MethodPost, "/health", nil), "")
	if w.Code == http.StatusOK {
		t.Errorf("POST /health should not succeed")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	e.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	w := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuthRequired(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := e.do(httptest.NewRequest(http.MethodGet, "/functions", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	w = e.do(httptest.NewRequest(http.MethodGet, "/functions", nil), "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := multipartRequest(t, "/admin/functions", registerFields("calc_md5"), nil, nil)
	w = e.do(req, userToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeForbidden, body.Code)
}

func TestRegisterAndList(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := e.register(t, "calc_md5", "exit 0\n")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var desc models.FunctionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &desc))
	assert.Equal(t, []string{"left", "right"}, desc.Inputs)
	assert.Equal(t, []string{"Left file", "Right file"}, desc.InputDescriptions)

	// Surrounding whitespace in form fields is ignored.
	w = e.register(t, " AES ", "exit 0\n")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(httptest.NewRequest(http.MethodGet, "/functions", nil), userToken)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.FunctionDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "calc_md5", list[0].ID)
	assert.Equal(t, "AES", list[1].ID)

	w = e.do(httptest.NewRequest(http.MethodGet, "/functions/AES", nil), userToken)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(httptest.NewRequest(http.MethodGet, "/functions/nope", nil), userToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	entries, err := e.store.ListPDR("calc_md5", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "root", entries[0].Actor)
}

func TestRegisterErrors(t *testing.T) {
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	require.Equal(t, http.StatusCreated, e.register(t, "calc_md5", "exit 0\n").Code)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
		field  string
	}{
		{
			name:   "duplicate",
			req:    func() *http.Request { return registerRequest(t, "calc_md5", fnbundle.Files("exit 0\n"), "b.zip") },
			status: http.StatusConflict,
			code:   CodeDuplicateID,
			field:  "id",
		},
		{
			name:   "bad id",
			req:    func() *http.Request { return registerRequest(t, "calc-md5", fnbundle.Files("exit 0\n"), "b.zip") },
			status: http.StatusBadRequest,
			code:   CodeValidation,
			field:  "id",
		},
		{
			name:   "wrong extension",
			req:    func() *http.Request { return registerRequest(t, "tarball", fnbundle.Files("exit 0\n"), "b.tar") },
			status: http.StatusBadRequest,
			code:   CodeValidation,
			field:  "zip_file",
		},
		{
			name: "missing archive",
			req: func() *http.Request {
				return multipartRequest(t, "/admin/functions", registerFields("no_zip"), nil, nil)
			},
			status: http.StatusBadRequest,
			code:   CodeValidation,
			field:  "zip_file",
		},
		{
			name: "missing entry script",
			req: func() *http.Request {
				files := fnbundle.Files("exit 0\n")
				delete(files, "program/run.py")
				return registerRequest(t, "no_entry", files, "b.zip")
			},
			status: http.StatusUnprocessableEntity,
			code:   CodeInvalidBundle,
			field:  "zip_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(tt.req(), adminToken)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.field, body.Field)
		})
	}
}

func registerRequest(t *testing.T, id string, files map[string]fnbundle.File, archiveName string) *http.Request {
	return multipartRequest(t, "/admin/functions", registerFields(id),
		map[string][]byte{"zip_file": fnbundle.Zip(t, files)},
		map[string]string{"zip_file": archiveName})
}

func invokeRequest(t *testing.T, id string, files map[string][]byte) *http.Request {
	return multipartRequest(t, "/functions/"+id+"/invoke", nil, files, nil)
}

func TestInvokeSingleOutput(t *testing.T) {
	fnbundle.SkipIfNoShell(t)
	e, cleanup := newTestServer(t, nil)
	defer cleanup()
	require.Equal(t, http.StatusCreated, e.register(t, "joiner", `cat "$1" "$2" > "$3"`+"\n").Code)

	// Slot names are accepted as a fallback for input_<i>.
	w := e.do(invokeRequest(t, "joiner", map[string][]byte{
		"input_0": []byte("foo"),
		"right":   []byte("bar"),
	}), userToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "foobar", w.Body.String())
	assert.Equal(t, dispatch.ContentTypeBinary, w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="output_0.bin"`, w.Header().Get("Content-Disposition"))

	w = e.do(httptest.NewRequest(http.MethodGet, "/functions/joiner/invocations", nil), userToken)
	require.Equal(t, http.StatusOK, w.Code)
	var invs []models.Invocation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &invs))
	require.Len(t, invs, 1)
	assert.Equal(t, models.InvocationSucceeded, invs[0].Status)
	assert.Equal(t, "alice", invs[0].Caller)
	assert.Equal(t, []string{"input_0.bin", "right.bin"}, invs[0].Inputs)

	w = e.do(httptest.NewRequest(http.MethodGet, "/invocations/"+invs[0].ID, nil), userToken)
	require.Equal(t, http.StatusOK, w.Code)
	var inv models.Invocation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Equal(t, invs[0].ID, inv.ID)
	assert.Equal(t, "joiner", inv.FunctionID)

	w = e.do(httptest.NewRequest(http.MethodGet, "/invocations/nope", nil), userToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(httptest.NewRequest(http.MethodGet, "/invocations/"+invs[0].ID, nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvokeMultipleOutputsZipped(t *testing.T) {
	fnbundle.SkipIfNoShell(t)
	e, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := multipartRequest(t, "/admin/functions", map[string]string{
		"id":          "split",
		"name":        "Split",
		"input_list":  "in",
		"output_list": "a,b",
	}, map[string][]byte{"zip_file": fnbundle.Zip(t, fnbundle.Files(`cp "$1" "$2"; cp "$1" "$3"`+"\n"))}, map[string]string{"zip_file": "split.zip"})
	require.Equal(t, http.StatusCreated, e.do(req, adminToken).Code)

	w := e.do(invokeRequest(t, "split", map[string][]byte{"input_0": []byte("x")}), userToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, dispatch.ContentTypeZip, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "outputs.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "output_0.bin", zr.File[0].Name)
	assert.Equal(t, "output_1.bin", zr.File[1].Name)
	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "x", string(data))
}

func TestInvokeErrors(t *testing.T) {
	fnbundle.SkipIfNoShell(t)
	e, cleanup := newTestServer(t, nil)
	defer cleanup()
	require.Equal(t, http.StatusCreated, e.register(t, "broken", "echo boom >&2\nexit 7\n").Code)

	w := e.do(invokeRequest(t, "nope", map[string][]byte{"input_0": []byte("x")}), userToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(invokeRequest(t, "broken", map[string][]byte{"input_0": []byte("x")}), userToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Right file")

	w = e.do(invokeRequest(t, "broken", map[string][]byte{"input_0": []byte("x"), "input_1": []byte("y")}), userToken)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "boom")
	assert.Contains(t, w.Body.String(), "Debugging data saved in "+e.ws.Root())

	invs, err := e.store.ListInvocations(context.Background(), "broken", 0)
	require.NoError(t, err)
	statuses := map[models.InvocationStatus]int{}
	for _, inv := range invs {
		statuses[inv.Status]++
	}
	assert.Equal(t, 1, statuses[models.InvocationRejected])
	assert.Equal(t, 1, statuses[models.InvocationFailed])

	w = e.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, statuses, health.Invocations)
}

type fullRunner struct{}

func (fullRunner) Run(context.Context, string, func(context.Context) error) error {
	return scheduler.ErrQueueFull
}

func TestInvokeQueueFull(t *testing.T) {
	e, cleanup := newTestServer(t, fullRunner{})
	defer cleanup()
	require.Equal(t, http.StatusCreated, e.register(t, "busy", "exit 0\n").Code)

	w := e.do(invokeRequest(t, "busy", map[string][]byte{"input_0": []byte("x"), "input_1": []byte("y")}), userToken)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, retryAfterSeconds, w.Header().Get("Retry-After"))
}
