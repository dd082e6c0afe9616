package cbs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCreateClientSendsAuthAndTenant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "mifos" || pass != "password" {
			t.Errorf("missing basic auth, got %q/%q", user, pass)
		}
		if got := r.Header.Get("Fineract-Platform-TenantId"); got != "default" {
			t.Errorf("tenant header: got %q", got)
		}
		w.Write([]byte(`{"clientId":"314"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mifos", "password", "default", time.Second)
	id, err := c.CreateClient(context.Background(), CreateClientRequest{FullName: "Neema Mushi"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if id != "314" {
		t.Fatalf("client id: got %q", id)
	}
}

func TestValidationFailureIsTerminalWithReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"defaultUserMessage":"Client NIN already exists"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u", "p", "default", time.Second)
	_, err := c.CreateClient(context.Background(), CreateClientRequest{})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("got %v, want ErrTerminal", err)
	}
	if want := "Client NIN already exists"; err == nil || !strings.Contains(err.Error(), want) {
		t.Fatalf("terminal error must carry the CBS reason verbatim: %v", err)
	}
}

func TestServerFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := New(srv.URL, "u", "p", "default", time.Second)
	if _, err := c.CreateClient(context.Background(), CreateClientRequest{}); !errors.Is(err, ErrRetryable) {
		t.Fatalf("got %v, want ErrRetryable", err)
	}
}

func TestNetworkFailureIsRetryable(t *testing.T) {
	c := New("http://127.0.0.1:1", "u", "p", "default", 200*time.Millisecond)
	if _, err := c.CreateClient(context.Background(), CreateClientRequest{}); !errors.Is(err, ErrRetryable) {
		t.Fatalf("got %v, want ErrRetryable", err)
	}
}

func TestFetchOutstandingReadsLiveSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loans/LN9" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		w.Write([]byte(`{"loanId":"LN9","principalOutstanding":"1234567.89","status":"ACTIVE"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "u", "p", "default", time.Second)
	out, err := c.FetchOutstanding(context.Background(), "LN9")
	if err != nil {
		t.Fatalf("fetch outstanding: %v", err)
	}
	if !out.Equal(decimal.RequireFromString("1234567.89")) {
		t.Fatalf("outstanding: got %s", out)
	}
}
