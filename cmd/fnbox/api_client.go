package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/config"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// uploadTimeout bounds bundle uploads, which may be large.
const uploadTimeout = 10 * time.Minute

// TokenEnv supplies a bearer token when --token is not given.
const TokenEnv = "FNBOX_TOKEN"

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// invokeClient has no client-side timeout; the daemon enforces its own.
var invokeClient = &http.Client{}

// endpoint resolves the API address and token from flags, the environment
// and saved credentials, in that order.
func endpoint() (string, string) {
	addr, token := apiAddr, apiToken
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if addr == "" || token == "" {
		if store, err := auth.NewCredentialStore(""); err == nil {
			if creds, err := store.Load(); err == nil && creds != nil {
				if addr == "" {
					addr = creds.API
				}
				if token == "" {
					token = creds.Token
				}
			}
		}
	}
	if addr == "" {
		addr = "http://" + config.DefaultListen
	}
	return strings.TrimRight(addr, "/"), token
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	addr, token := endpoint()
	req, err := http.NewRequest(method, addr+path, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func do(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode >= 400 {
		return resp, nil, apiError(resp.StatusCode, body)
	}
	return resp, body, nil
}

// apiError prefers the message of a JSON error body, falling back to the
// raw text the execution endpoint returns.
func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Field != "" {
			return fmt.Errorf("API error (%d): %s [%s]", status, e.Error, e.Field)
		}
		return fmt.Errorf("API error (%d): %s", status, e.Error)
	}
	return fmt.Errorf("API error (%d): %s", status, strings.TrimSpace(string(body)))
}

// apiGet performs a GET request to the API with timeout.
func apiGet(path string) ([]byte, error) {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	_, body, err := do(apiClient, req)
	return body, err
}

// formFile is one file part of a multipart upload.
type formFile struct {
	Field string
	Path  string
}

// apiPostMultipart posts fields and files as multipart/form-data and returns
// the response with its body.
func apiPostMultipart(client *http.Client, path string, fields map[string]string, files []formFile) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, nil, err
		}
	}
	for _, f := range files {
		if err := addFile(mw, f); err != nil {
			return nil, nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, nil, err
	}

	req, err := newRequest(http.MethodPost, path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return do(client, req)
}

func addFile(mw *multipart.Writer, f formFile) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := mw.CreateFormFile(f.Field, filepath.Base(f.Path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// attachmentName returns the filename of a Content-Disposition header.
func attachmentName(header, fallback string) string {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallback
	}
	name := filepath.Base(params["filename"])
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}

// CheckHealth checks if the daemon is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*HealthResponse, error) {
	req, err := newRequest(http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	// Return both payload and error on non-200 status
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}

	return &health, nil
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	OK        bool   `json:"ok"`
	DB        string `json:"db"`
	Version   string `json:"version"`
	Time      string `json:"time"`
	Functions int    `json:"functions"`
	Pool      struct {
		ActiveWorkers int `json:"active_workers"`
		Waiting       int `json:"waiting"`
		Workers       int `json:"workers"`
		QueueSize     int `json:"queue_size"`
	} `json:"pool"`
	Invocations map[string]int `json:"invocations,omitempty"`
}
