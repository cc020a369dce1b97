package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validChat = `{
	"sessionId": "5a3c1e8f-7b2d-4f6a-9c0e-1d2b3a4c5e6f",
	"prompt": "What is the capital of France?",
	"metadata": {"requestId": "c1f9e2d3-4b5a-4c6d-8e7f-9a0b1c2d3e4f", "timestamp": "2026-03-14T09:00:00Z"}
}`

func TestOpenAPIDocument(t *testing.T) {
	doc, err := OpenAPIDocument()
	require.NoError(t, err)

	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.NotNil(t, doc.Paths.Find("/v1/chat"))
	assert.NotNil(t, doc.Paths.Find("/v1/providers/{name}/circuit"))
}

func TestValidationMiddleware(t *testing.T) {
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: true}, logrus.New())
	require.NoError(t, err)

	var gotBody string
	handler := vm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"valid chat", "/v1/chat", validChat, http.StatusOK},
		{"missing prompt", "/v1/chat", `{"sessionId":"s","metadata":{"requestId":"r","timestamp":"2026-03-14T09:00:00Z"}}`, http.StatusBadRequest},
		{"wrong type", "/v1/chat", strings.Replace(validChat, `"prompt": "What is the capital of France?"`, `"prompt": 42`, 1), http.StatusBadRequest},
		{"bad response format", "/v1/chat", strings.Replace(validChat, `"prompt"`, `"responseFormat": "xml", "prompt"`, 1), http.StatusBadRequest},
		{"temperature too high", "/v1/chat", strings.Replace(validChat, `"prompt"`, `"temperature": 2.5, "prompt"`, 1), http.StatusBadRequest},
		{"unknown circuit action", "/v1/providers/groq/circuit", `{"action":"toggle"}`, http.StatusBadRequest},
		{"valid circuit action", "/v1/providers/groq/circuit", `{"action":"reset"}`, http.StatusOK},
		{"undocumented path", "/metrics", ``, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotBody = ""
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.body, gotBody, "body must be readable downstream")
			} else {
				assert.Contains(t, w.Body.String(), "invalid_request")
			}
		})
	}
}

func TestValidationMiddleware_StrictMode(t *testing.T) {
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: true, StrictMode: true}, logrus.New())
	require.NoError(t, err)
	handler := vm.Middleware(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidationMiddleware_Disabled(t *testing.T) {
	vm, err := NewValidationMiddleware(nil, logrus.New())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	vm.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{")))
	assert.Equal(t, http.StatusOK, w.Code)
}
