package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Shyp/go-types"
	"github.com/Shyp/rest"
)

func TestMessagePost(t *testing.T) {
	t.Parallel()
	var got MessageParams
	var header http.Header
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		header = r.Header
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	client := NewClient("test", "token", s.URL)
	id := types.GenerateUUID("rnd_")
	err := client.Send("drv_alice", "booking-123", id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindOffer {
		t.Errorf("expected kind offer, got %s", got.Kind)
	}
	if got.RecipientID != "drv_alice" {
		t.Errorf("expected recipient drv_alice, got %s", got.RecipientID)
	}
	if got.JobRef != "booking-123" {
		t.Errorf("expected job ref booking-123, got %s", got.JobRef)
	}
	if header.Get("Idempotency-Key") == "" {
		t.Error("expected an Idempotency-Key header")
	}
	if user, pass, ok := parseBasicAuth(header.Get("Authorization")); !ok || user != "test" || pass != "token" {
		t.Errorf("wrong basic auth: %s %s", user, pass)
	}
}

func TestMessagePostFreshIdempotencyKeys(t *testing.T) {
	t.Parallel()
	keys := make(map[string]bool)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys[r.Header.Get("Idempotency-Key")] = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	client := NewClient("test", "token", s.URL)
	id := types.GenerateUUID("rnd_")
	for i := 0; i < 3; i++ {
		if err := client.NotifyLost("drv_alice", "booking-123", id); err != nil {
			t.Fatal(err)
		}
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 distinct idempotency keys, got %d", len(keys))
	}
}

func TestMessagePostErrorBody(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&rest.Error{
			Title: "Unknown recipient",
			ID:    "unknown_recipient",
		})
	}))
	defer s.Close()

	client := NewClient("test", "token", s.URL)
	id := types.GenerateUUID("rnd_")
	err := client.Send("drv_ghost", "booking-123", id)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	rerr, ok := err.(*rest.Error)
	if !ok {
		t.Fatalf("expected *rest.Error, got %#v", err)
	}
	if rerr.ID != "unknown_recipient" {
		t.Errorf("expected id unknown_recipient, got %s", rerr.ID)
	}
	if rerr.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rerr.Status)
	}
}

func TestMessagePostNoRecipient(t *testing.T) {
	t.Parallel()
	client := NewClient("test", "token", "http://localhost:0")
	id := types.GenerateUUID("rnd_")
	if err := client.Send("", "booking-123", id); err == nil {
		t.Error("expected an error posting a message with no recipient")
	}
}

func parseBasicAuth(header string) (string, string, bool) {
	r, _ := http.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", header)
	return r.BasicAuth()
}
