package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestExecutor_DeliverSignsAndSends(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	exec := NewExecutor(WithHTTPClient(srv.Client()))
	res := exec.Deliver(context.Background(), Request{
		URL:        srv.URL,
		Payload:    map[string]any{"id": "evt_1", "type": "shift_created", "data": map[string]any{"shiftId": "s1"}},
		Secret:     "topsecret",
		EventType:  "shift_created",
		DeliveryID: "whd_1",
	})

	if !res.Success || res.HTTPStatus == nil || *res.HTTPStatus != http.StatusAccepted {
		t.Fatalf("Deliver() = %+v", res)
	}
	if res.ResponseBody != `{"ok":true}` {
		t.Errorf("ResponseBody = %q", res.ResponseBody)
	}
	if !Verify(gotBody, gotHeaders.Get("X-Shiftline-Signature"), "topsecret") {
		t.Error("signature does not match the bytes received")
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("User-Agent") != "Shiftline-Webhooks/1.0" {
		t.Errorf("User-Agent = %q", gotHeaders.Get("User-Agent"))
	}
	if gotHeaders.Get("X-Shiftline-Event-Type") != "shift_created" || gotHeaders.Get("X-Shiftline-Delivery-Id") != "whd_1" {
		t.Errorf("event headers = %v", gotHeaders)
	}
	if _, err := time.Parse(time.RFC3339, gotHeaders.Get("X-Shiftline-Timestamp")); err != nil {
		t.Errorf("timestamp header not RFC3339: %v", err)
	}
}

func TestExecutor_ProductNamePrefixesHeaders(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Rota-Signature")
	}))
	defer srv.Close()

	res := NewExecutor(WithHTTPClient(srv.Client()), WithProductName("Rota")).
		Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}, Secret: "s"})
	if !res.Success || !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("Deliver() = %+v, signature header %q", res, sig)
	}
}

func TestExecutor_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := NewExecutor(WithHTTPClient(srv.Client())).Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if res.Success || res.ErrorMessage != "HTTP 503" || res.HTTPStatus == nil || *res.HTTPStatus != 503 {
		t.Errorf("Deliver() = %+v", res)
	}
	if !strings.Contains(res.ResponseBody, "maintenance") {
		t.Errorf("ResponseBody = %q", res.ResponseBody)
	}
}

func TestExecutor_TruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 50*1024)))
	}))
	defer srv.Close()

	res := NewExecutor(WithHTTPClient(srv.Client())).Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if len(res.ResponseBody) != DefaultResponseBodyLimit {
		t.Errorf("len(ResponseBody) = %d, want %d", len(res.ResponseBody), DefaultResponseBodyLimit)
	}
}

func TestExecutor_ResponseBodyIsValidUTF8AtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		// 1 + 2*6000 bytes: the limit falls inside an "é".
		w.Write([]byte("a" + strings.Repeat("é", 6000)))
	}))
	defer srv.Close()

	res := NewExecutor(WithHTTPClient(srv.Client())).Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if !utf8.ValidString(res.ResponseBody) {
		t.Fatal("ResponseBody is not valid UTF-8")
	}
	if len(res.ResponseBody) != DefaultResponseBodyLimit-1 {
		t.Errorf("len(ResponseBody) = %d, want %d", len(res.ResponseBody), DefaultResponseBodyLimit-1)
	}
	if !strings.HasSuffix(res.ResponseBody, "é") {
		t.Errorf("ResponseBody should end on a whole character")
	}
}

func TestStorableBody(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("ok"), "ok"},
		{"complete multibyte", []byte("caf\xc3\xa9"), "café"},
		{"cut two-byte rune", []byte("caf\xc3"), "caf"},
		{"cut four-byte rune", []byte("x\xf0\x9f\x98"), "x"},
		{"invalid byte", []byte("a\xffb"), "a\uFFFDb"},
		{"nul bytes", []byte("a\x00b\x00"), "ab"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := storableBody(tt.in); got != tt.want {
				t.Errorf("storableBody(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	exec := NewExecutor(WithHTTPClient(srv.Client()), WithTimeout(50*time.Millisecond))
	res := exec.Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if res.Success || !strings.Contains(res.ErrorMessage, "timed out") {
		t.Errorf("Deliver() = %+v", res)
	}
	if res.HTTPStatus != nil {
		t.Errorf("timeout should have no status, got %d", *res.HTTPStatus)
	}
}

func TestExecutor_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewExecutor(WithHTTPClient(&http.Client{})).Deliver(context.Background(), Request{URL: url, Payload: map[string]any{}})
	if res.Success || !strings.HasPrefix(res.ErrorMessage, "Network error") {
		t.Errorf("Deliver() = %+v", res)
	}
}

func TestExecutor_GuardedClientRefusesLoopback(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	res := NewExecutor().Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if res.Success || hit {
		t.Errorf("default client reached loopback server: %+v", res)
	}
}

func TestExecutor_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/internal" {
			t.Error("redirect was followed")
			return
		}
		http.Redirect(w, r, "/internal", http.StatusFound)
	}))
	defer srv.Close()

	client := srv.Client()
	client.CheckRedirect = guardedClient().CheckRedirect
	res := NewExecutor(WithHTTPClient(client)).Deliver(context.Background(), Request{URL: srv.URL, Payload: map[string]any{}})
	if res.Success || res.ErrorMessage != "HTTP 302" {
		t.Errorf("Deliver() = %+v", res)
	}
}

func TestExecutor_UnmarshalablePayloadNeverPanics(t *testing.T) {
	res := NewExecutor().Deliver(context.Background(), Request{URL: "https://hooks.example.com", Payload: map[string]any{"c": make(chan int)}})
	if res.Success || !strings.Contains(res.ErrorMessage, "serialize") {
		t.Errorf("Deliver() = %+v", res)
	}
}
