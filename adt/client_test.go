package adt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workskong/mcp-abap-adt/config"
)

func testCreds(baseURL string) config.Credentials {
	return config.Credentials{
		BaseURL:  baseURL,
		Username: "DEVELOPER",
		Password: "secret",
		Client:   "001",
	}
}

func basicAuthOf(r *http.Request) string {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	return user + ":" + pass
}

func TestDoGetPassesCredentialHeaders(t *testing.T) {
	var gotAuth, gotClient, gotLang string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = basicAuthOf(r)
		gotClient = r.Header.Get("X-SAP-Client")
		gotLang = r.Header.Get("Accept-Language")
		_, _ = w.Write([]byte("REPORT ztest."))
	}))
	defer ts.Close()

	creds := testCreds(ts.URL)
	creds.Language = "EN"
	c := NewClient(nil)
	resp, err := c.Do(context.Background(), Request{URL: ts.URL + "/source", Method: http.MethodGet, Credentials: creds})
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	if !resp.OK() {
		t.Fatalf("OK() = false, status %d", resp.Status)
	}
	if got, want := resp.Body, "REPORT ztest."; got != want {
		t.Fatalf("Body = %q, want %q", got, want)
	}
	if got, want := gotAuth, "DEVELOPER:secret"; got != want {
		t.Fatalf("basic auth = %q, want %q", got, want)
	}
	if got, want := gotClient, "001"; got != want {
		t.Fatalf("X-SAP-Client = %q, want %q", got, want)
	}
	if got, want := gotLang, "EN"; got != want {
		t.Fatalf("Accept-Language = %q, want %q", got, want)
	}
}

func TestDoPostFetchesTokenOnce(t *testing.T) {
	var mu sync.Mutex
	var fetches, posts int
	var postToken, postCookie string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.Header.Get("x-csrf-token") == "fetch":
			fetches++
			w.Header().Set("x-csrf-token", "tok-1")
			w.Header().Add("Set-Cookie", "SAP_SESSIONID=abc; path=/")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			posts++
			postToken = r.Header.Get("x-csrf-token")
			postCookie = r.Header.Get("Cookie")
			_, _ = w.Write([]byte("ok"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClient(nil)
	creds := testCreds(ts.URL)
	for i := 0; i < 2; i++ {
		if _, err := c.Do(context.Background(), Request{URL: ts.URL + "/nodestructure", Method: http.MethodPost, Credentials: creds}); err != nil {
			t.Fatalf("Do #%d error = %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got, want := fetches, 1; got != want {
		t.Fatalf("token fetches = %d, want %d (token must be cached)", got, want)
	}
	if got, want := posts, 2; got != want {
		t.Fatalf("posts = %d, want %d", got, want)
	}
	if got, want := postToken, "tok-1"; got != want {
		t.Fatalf("x-csrf-token on POST = %q, want %q", got, want)
	}
	if got, want := postCookie, "SAP_SESSIONID=abc"; got != want {
		t.Fatalf("Cookie on POST = %q, want %q", got, want)
	}
}

func TestDoCsrfRejectionRetriesExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var fetches, posts int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodGet && r.Header.Get("x-csrf-token") == "fetch" {
			fetches++
			w.Header().Set("x-csrf-token", "tok")
			return
		}
		posts++
		if posts == 1 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("CSRF token validation failed"))
			return
		}
		_, _ = w.Write([]byte("created"))
	}))
	defer ts.Close()

	c := NewClient(nil)
	resp, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodPost, Credentials: testCreds(ts.URL)})
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	if got, want := resp.Status, http.StatusOK; got != want {
		t.Fatalf("Status = %d, want %d", got, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if got, want := posts, 2; got != want {
		t.Fatalf("posts = %d, want %d (exactly one retry)", got, want)
	}
	if got, want := fetches, 2; got != want {
		t.Fatalf("fetches = %d, want %d (initial + refetch)", got, want)
	}
}

func TestDoSecondCsrfRejectionPropagates(t *testing.T) {
	var mu sync.Mutex
	var posts int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodGet && r.Header.Get("x-csrf-token") == "fetch" {
			w.Header().Set("x-csrf-token", "tok")
			return
		}
		posts++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("CSRF token validation failed"))
	}))
	defer ts.Close()

	c := NewClient(nil)
	resp, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodPost, Credentials: testCreds(ts.URL)})
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	if got, want := resp.Status, http.StatusForbidden; got != want {
		t.Fatalf("Status = %d, want %d", got, want)
	}
	if resp.OK() {
		t.Fatal("OK() = true, want false")
	}

	mu.Lock()
	defer mu.Unlock()
	if got, want := posts, 2; got != want {
		t.Fatalf("posts = %d, want %d (must not loop)", got, want)
	}
}

func TestDoNoTokenAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No x-csrf-token header in any response.
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(nil)
	_, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodPost, Credentials: testCreds(ts.URL)})
	var csrfErr *CsrfUnavailableError
	if !errors.As(err, &csrfErr) {
		t.Fatalf("error = %v, want *CsrfUnavailableError", err)
	}
}

func TestDoServerErrorBecomesHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("dispatcher down"))
	}))
	defer ts.Close()

	c := NewClient(nil)
	_, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodGet, Credentials: testCreds(ts.URL)})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if got, want := httpErr.Status, http.StatusBadGateway; got != want {
		t.Fatalf("Status = %d, want %d", got, want)
	}
	if !strings.Contains(httpErr.Error(), "dispatcher down") {
		t.Fatalf("Error() = %q, want body included", httpErr.Error())
	}
}

func TestDoClientErrorReturnedForInspection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("object not found"))
	}))
	defer ts.Close()

	c := NewClient(nil)
	resp, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodGet, Credentials: testCreds(ts.URL)})
	if err != nil {
		t.Fatalf("Do error = %v, want nil for 4xx", err)
	}
	if got, want := resp.Status, http.StatusNotFound; got != want {
		t.Fatalf("Status = %d, want %d", got, want)
	}
}

func TestDoTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := NewClient(nil)
	_, err := c.Do(context.Background(), Request{
		URL:         ts.URL,
		Method:      http.MethodGet,
		Timeout:     50 * time.Millisecond,
		Credentials: testCreds(ts.URL),
	})
	if err == nil {
		t.Fatal("Do expected timeout error, got nil")
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Fatalf("timeout surfaced as HTTPError %v, want transport error", httpErr)
	}
}

func TestSessionsPartitionedByCredentials(t *testing.T) {
	var mu sync.Mutex
	tokensIssued := 0
	tokenByAuth := make(map[string]string)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth := basicAuthOf(r)
		if r.Method == http.MethodGet && r.Header.Get("x-csrf-token") == "fetch" {
			tokensIssued++
			tok := "tok-" + auth
			w.Header().Set("x-csrf-token", tok)
			return
		}
		tokenByAuth[auth] = r.Header.Get("x-csrf-token")
	}))
	defer ts.Close()

	c := NewClient(nil)
	credsA := testCreds(ts.URL)
	credsB := testCreds(ts.URL)
	credsB.Username = "TENANT"
	credsB.Password = "other"

	for _, creds := range []config.Credentials{credsA, credsB} {
		if _, err := c.Do(context.Background(), Request{URL: ts.URL, Method: http.MethodPost, Credentials: creds}); err != nil {
			t.Fatalf("Do error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got, want := tokensIssued, 2; got != want {
		t.Fatalf("tokens issued = %d, want %d (one per identity)", got, want)
	}
	if got, want := tokenByAuth["DEVELOPER:secret"], "tok-DEVELOPER:secret"; got != want {
		t.Fatalf("token for identity A = %q, want %q", got, want)
	}
	if got, want := tokenByAuth["TENANT:other"], "tok-TENANT:other"; got != want {
		t.Fatalf("token for identity B = %q, want %q", got, want)
	}
}
