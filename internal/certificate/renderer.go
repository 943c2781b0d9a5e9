package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Document is the structured certificate data sent to the renderer.
type Document struct {
	Serial       string    `json:"serial"`
	EnrollmentID string    `json:"enrollment_id"`
	StudentID    string    `json:"student_id"`
	CourseID     string    `json:"course_id"`
	CourseName   string    `json:"course_name"`
	StartDate    time.Time `json:"start_date"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Renderer produces the certificate artifact and returns a reference to it.
type Renderer interface {
	Render(ctx context.Context, doc Document) (string, error)
}

// HTTPRenderer calls an external document-rendering service.
type HTTPRenderer struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPRendererOption configures an HTTPRenderer.
type HTTPRendererOption func(*HTTPRenderer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPRendererOption {
	return func(r *HTTPRenderer) {
		r.client = client
	}
}

// WithToken sets a bearer token sent with every render request.
func WithToken(token string) HTTPRendererOption {
	return func(r *HTTPRenderer) {
		r.token = token
	}
}

// NewHTTPRenderer creates a renderer for the service at baseURL.
func NewHTTPRenderer(baseURL string, opts ...HTTPRendererOption) *HTTPRenderer {
	r := &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type renderResponse struct {
	Ref string `json:"ref"`
}

func (r *HTTPRenderer) Render(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/certificates", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("renderer error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out renderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("renderer returned no reference")
	}
	return out.Ref, nil
}

// LocalRenderer returns a reference derived from the serial without calling
// anything. Used when no renderer service is configured.
type LocalRenderer struct {
	Prefix string
}

func (r LocalRenderer) Render(_ context.Context, doc Document) (string, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "certificates/"
	}
	return prefix + doc.Serial + ".pdf", nil
}

// MockRenderer is a test double that records rendered documents.
type MockRenderer struct {
	Ref string
	Err error

	mu   sync.Mutex
	docs []Document
}

func (m *MockRenderer) Render(_ context.Context, doc Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Ref, nil
}

// Documents returns the documents passed to Render.
func (m *MockRenderer) Documents() []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Document(nil), m.docs...)
}
