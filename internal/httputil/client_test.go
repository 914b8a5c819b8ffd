package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStandardClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ply"))
	}))
	defer srv.Close()

	c := NewStandardClient(nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ply" {
		t.Errorf("got %q", body)
	}
}

func TestMockHTTPClientQueuesResponses(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(http.StatusOK, []byte("abc")).
		AddErrorResponse(errors.New("connection reset"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.test/a.ply", nil)

	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if resp.ContentLength != 3 {
		t.Errorf("ContentLength = %d, want 3", resp.ContentLength)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abc" {
		t.Errorf("body = %q", body)
	}

	if _, err := m.Do(req); err == nil {
		t.Error("expected queued error")
	}

	resp, err = m.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("default response: resp=%v err=%v", resp, err)
	}
	if m.RequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3", m.RequestCount())
	}
}

func TestMockHTTPClientDoFunc(t *testing.T) {
	m := NewMockHTTPClient()
	m.DoFunc = func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("custom")
	}
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	if _, err := m.Do(req); err == nil || err.Error() != "custom" {
		t.Errorf("expected custom error, got %v", err)
	}
}
