package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestExecute(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"json string is unwrapped", "application/json; charset=utf-8", `"hi\n"`, "hi\n"},
		{"plain text is verbatim", "text/plain", "hi\n", "hi\n"},
		{"json object is verbatim", "application/json", `{"stdout":"hi"}`, `{"stdout":"hi"}`},
		{"empty body", "text/plain", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCode string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
				var req map[string]string
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				gotCode = req["code"]
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, time.Second)
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			got, err := c.Execute(context.Background(), `print("hi")`)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Execute() = %q, want %q", got, tt.want)
			}
			if gotCode != `print("hi")` {
				t.Errorf("server received code %q", gotCode)
			}
		})
	}
}

func TestExecuteNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2*maxErrorBody), http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, time.Second)
	_, err := c.Execute(context.Background(), "1/0")

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Execute() error = %v, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", svcErr.StatusCode, http.StatusBadGateway)
	}
	if len(svcErr.Body) != maxErrorBody {
		t.Errorf("len(Body) = %d, want %d", len(svcErr.Body), maxErrorBody)
	}
}

func TestExecuteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := NewClient(url, time.Second)
	_, err := c.Execute(context.Background(), "x")

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Execute() error = %v, want *ServiceError", err)
	}
	if svcErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", svcErr.StatusCode)
	}
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.Execute(context.Background(), "while True: pass")

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Execute() error = %v, want *ServiceError", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient("", time.Second); err == nil {
		t.Fatal("NewClient(\"\") error = nil, want error")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 4, "abcd"},
		{"inside rune", "ab日本", 4, "ab"},
		{"rune boundary", "ab日本", 5, "ab日"},
		{"leading rune", "日本", 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.s, tt.n, got)
			}
		})
	}
}

func TestExecuteNonSuccessBodyKeepsRunes(t *testing.T) {
	body := strings.Repeat("a", maxErrorBody-1) + "日本語"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = c.Execute(context.Background(), "x")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Execute() error = %v, want *ServiceError", err)
	}
	if !utf8.ValidString(serviceErr.Body) {
		t.Errorf("Body ends in a split rune: %q", serviceErr.Body[len(serviceErr.Body)-4:])
	}
	if want := strings.Repeat("a", maxErrorBody-1); serviceErr.Body != want {
		t.Errorf("Body has %d bytes, want %d", len(serviceErr.Body), len(want))
	}
}
