package jobsource

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJobAssigned(t *testing.T) {
	t.Parallel()
	var gotPath string
	var got AssignmentParams
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	client := NewClient("test", "token", s.URL)
	if err := client.JobAssigned("booking-123", "drv_alice"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/bookings/booking-123/assignment" {
		t.Errorf("wrong path: %s", gotPath)
	}
	if got.RecipientID != "drv_alice" {
		t.Errorf("expected recipient drv_alice, got %s", got.RecipientID)
	}
}

func TestJobAssignedEmptyArguments(t *testing.T) {
	t.Parallel()
	client := NewClient("test", "token", "http://localhost:0")
	if err := client.JobAssigned("", "drv_alice"); err == nil {
		t.Error("expected an error posting an assignment with no job ref")
	}
	if err := client.JobAssigned("booking-123", ""); err == nil {
		t.Error("expected an error posting an assignment with no recipient")
	}
}
