package middleware

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

//go:embed openapi.yaml
var openAPISpec []byte

var (
	docOnce sync.Once
	doc     *openapi3.T
	docErr  error
)

// OpenAPIDocument returns the parsed and validated API description.
func OpenAPIDocument() (*openapi3.T, error) {
	docOnce.Do(func() {
		loader := openapi3.NewLoader()
		d, err := loader.LoadFromData(openAPISpec)
		if err != nil {
			docErr = fmt.Errorf("failed to parse OpenAPI spec: %w", err)
			return
		}
		if err := d.Validate(context.Background()); err != nil {
			docErr = fmt.Errorf("invalid OpenAPI spec: %w", err)
			return
		}
		doc = d
	})
	return doc, docErr
}

// ValidationMiddleware checks request bodies and parameters against the
// embedded OpenAPI description.
type ValidationMiddleware struct {
	router     routers.Router
	logger     *logrus.Logger
	enabled    bool
	strictMode bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
	// StrictMode rejects /v1 routes the API description does not document.
	StrictMode bool `yaml:"strict_mode"`
}

func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{}
	}

	vm := &ValidationMiddleware{
		logger:     logger,
		enabled:    config.Enabled,
		strictMode: config.StrictMode,
	}

	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	d, err := OpenAPIDocument()
	if err != nil {
		return nil, err
	}
	router, err := gorillamux.NewRouter(d)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	vm.router = router

	logger.WithField("strict", config.StrictMode).Info("API validation middleware enabled")
	return vm, nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			vm.writeValidationError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		undocumented := errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed)
		if undocumented && !(vm.strictMode && strings.HasPrefix(r.URL.Path, "/v1/")) {
			// /health, /metrics and /docs are not described
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError: true,
		},
	}

	err = openapi3filter.ValidateRequest(r.Context(), input)
	// downstream handlers read the body again
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}

	return nil
}

func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "invalid_request",
		"message": summarize(err),
	})
}

// summarize keeps the first line of a validation error; kin-openapi appends
// the offending schema and value on the following lines.
func summarize(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
