package certificate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestHTTPRenderer_Render(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/certificates" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var doc Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if doc.Serial != "AAAA-BBBB" || doc.CourseName != "Go Basics" {
			t.Errorf("unexpected document: %+v", doc)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(renderResponse{Ref: "s3://certs/AAAA-BBBB.pdf"})
	}))
	defer server.Close()

	r := NewHTTPRenderer(server.URL, WithToken("secret"))
	ref, err := r.Render(context.Background(), Document{Serial: "AAAA-BBBB", CourseName: "Go Basics"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if ref != "s3://certs/AAAA-BBBB.pdf" {
		t.Errorf("ref = %q", ref)
	}
}

func TestHTTPRenderer_Render_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "status 500"},
		{"empty ref", http.StatusOK, `{}`, "no reference"},
		{"bad json", http.StatusOK, `not json`, "unmarshal response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPRenderer(server.URL).Render(context.Background(), Document{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Render() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLocalRenderer(t *testing.T) {
	ref, err := LocalRenderer{}.Render(context.Background(), Document{Serial: "ABCD"})
	if err != nil {
		t.Fatal(err)
	}
	if ref != "certificates/ABCD.pdf" {
		t.Errorf("ref = %q", ref)
	}
}

func TestSerial(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Serial("e1", "s1", "web", at)

	if !regexp.MustCompile(`^[0-9A-F]{4}(-[0-9A-F]{4}){4}$`).MatchString(s) {
		t.Errorf("Serial() = %q, unexpected format", s)
	}
	if again := Serial("e1", "s1", "web", at.In(time.FixedZone("X", 3600))); again != s {
		t.Errorf("serial depends on time zone: %q vs %q", again, s)
	}
	if other := Serial("e2", "s1", "web", at); other == s {
		t.Error("different enrollments share a serial")
	}
	// Field boundaries matter.
	if Serial("e1s", "1", "web", at) == s {
		t.Error("shifted fields collide")
	}
}
