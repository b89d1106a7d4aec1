package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shyp/rest"
	"github.com/islago/ringer/arbiter"
	"github.com/islago/ringer/dispatcher"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/server"
	"github.com/islago/ringer/test"
	"github.com/islago/ringer/test/factory"
)

func newServices(t *testing.T) (*server.Services, *factory.RecordingNotifier, *factory.RecordingSink) {
	t.Helper()
	_, store := test.SetUp(t)
	recorder := new(factory.RecordingNotifier)
	sink := new(factory.RecordingSink)
	return &server.Services{
		Dispatcher: dispatcher.New(store, recorder),
		Arbiter:    arbiter.New(store, recorder, sink),
		Store:      store,
	}, recorder, sink
}

func serve(t *testing.T, s *server.Services, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.SetBasicAuth("test", "password")
	a := server.NewSharedSecretAuthorizer()
	a.AddUser("test", "password")
	w := httptest.NewRecorder()
	server.Get(a, s).ServeHTTP(w, req)
	return w
}

func createBody(jobRef string, recipients []string, ttlSeconds int) *bytes.Buffer {
	b, _ := json.Marshal(server.CreateRoundRequest{
		JobRef:     jobRef,
		Recipients: recipients,
		TTLSeconds: ttlSeconds,
	})
	return bytes.NewBuffer(b)
}

func respondBody(recipientID string, accepted bool) *bytes.Buffer {
	b, _ := json.Marshal(server.RespondRequest{
		RecipientID: recipientID,
		Accepted:    accepted,
	})
	return bytes.NewBuffer(b)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *rest.Error {
	t.Helper()
	e := new(rest.Error)
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), e), "decoding error body")
	return e
}

func Test401NoCredentials(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/v1/rounds/rnd_23", nil)
	w := httptest.NewRecorder()
	a := server.NewSharedSecretAuthorizer()
	server.Get(a, s).ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, w.Header().Get("WWW-Authenticate"), "Basic realm=\"ringer\"")
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "unauthorized")
}

func Test403WrongPassword(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/v1/rounds/rnd_23", nil)
	req.SetBasicAuth("test", "wrongpassword")
	a := server.NewSharedSecretAuthorizer()
	a.AddUser("test", "password")
	w := httptest.NewRecorder()
	server.Get(a, s).ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "incorrect_password")
}

func Test403UnencryptedTraffic(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-Proto", "http")
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "insecure_request")
}

func Test404UnknownPath(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/v1/unknown", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "not_found")
}

func Test405WrongMethod(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("DELETE", "/v1/rounds", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusMethodNotAllowed)
}

func TestHomepageRenders(t *testing.T) {
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.Assert(t, strings.Contains(w.Body.String(), "ringer version"), "homepage should name the server")
}

func TestCreateRound(t *testing.T) {
	defer test.TearDown(t)
	s, recorder, _ := newServices(t)
	req, _ := http.NewRequest("POST", "/v1/rounds", createBody(factory.RandomJobRef(), factory.SampleRecipients, 120))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusCreated)

	var offer models.JobOffer
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &offer), "decoding response")
	test.AssertEquals(t, offer.State, models.StateOpen)
	test.AssertEquals(t, len(offer.Recipients), 3)
	test.AssertEquals(t, recorder.Len(), 3)

	diff := time.Until(offer.ExpiresAt)
	test.Assert(t, diff > 119*time.Second, "ttl_seconds not applied")
	test.Assert(t, diff <= 120*time.Second, "ttl_seconds not applied")
}

func TestCreateRoundDefaultTTL(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("POST", "/v1/rounds", createBody(factory.RandomJobRef(), factory.SampleRecipients, 0))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusCreated)

	var offer models.JobOffer
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &offer), "decoding response")
	diff := time.Until(offer.ExpiresAt)
	test.Assert(t, diff > server.DefaultTTL-time.Second, "default ttl not applied")
}

func TestCreateRoundMissingFields(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)

	tests := []struct {
		body *bytes.Buffer
		id   string
	}{
		{createBody("", factory.SampleRecipients, 0), "missing_parameter"},
		{createBody(factory.RandomJobRef(), nil, 0), "missing_parameter"},
		{createBody(factory.RandomJobRef(), factory.SampleRecipients, -5), "invalid_parameter"},
		{bytes.NewBufferString("{bad json"), "invalid_request"},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest("POST", "/v1/rounds", tt.body)
		w := serve(t, s, req)
		test.AssertEquals(t, w.Code, http.StatusBadRequest)
		e := decodeError(t, w)
		test.AssertEquals(t, e.ID, tt.id)
	}
}

func TestCreateRoundDuplicate(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	jobRef := factory.RandomJobRef()

	req, _ := http.NewRequest("POST", "/v1/rounds", createBody(jobRef, factory.SampleRecipients, 0))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusCreated)

	req, _ = http.NewRequest("POST", "/v1/rounds", createBody(jobRef, factory.SampleRecipients, 0))
	w = serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusConflict)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "duplicate_active_round")
}

func TestCreateRoundUnreachable(t *testing.T) {
	defer test.TearDown(t)
	s, recorder, _ := newServices(t)
	recorder.Err = fmt.Errorf("gateway down")

	req, _ := http.NewRequest("POST", "/v1/rounds", createBody(factory.RandomJobRef(), factory.SampleRecipients, 0))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusServiceUnavailable)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "no_recipients_reached")
}

func TestGetRound(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("GET", "/v1/rounds/"+offer.ID.String(), nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var got models.JobOffer
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &got), "decoding response")
	test.AssertEquals(t, got.ID.String(), offer.ID.String())
	test.AssertEquals(t, got.State, models.StateOpen)
	test.AssertEquals(t, len(got.Recipients), 3)
}

func TestGetRoundNotFound(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/v1/rounds/"+factory.RandomId("rnd_").String(), nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "not_found")
}

func TestGetRoundInvalidUUID(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("GET", "/v1/rounds/rnd_notauuid", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "invalid_uuid")
}

func TestRespondAccept(t *testing.T) {
	defer test.TearDown(t)
	s, _, sink := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_bravo", true))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var rr server.RespondResponse
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &rr), "decoding response")
	test.AssertEquals(t, rr.Result, models.ResultWon)
	test.AssertEquals(t, sink.Len(), 1)

	// another recipient is too late
	req, _ = http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_alice", true))
	w = serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &rr), "decoding response")
	test.AssertEquals(t, rr.Result, models.ResultLost)

	// the winner's webhook is redelivered
	req, _ = http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_bravo", true))
	w = serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &rr), "decoding response")
	test.AssertEquals(t, rr.Result, models.ResultAlreadyResponded)
	test.AssertEquals(t, sink.Len(), 1)
}

func TestRespondDecline(t *testing.T) {
	defer test.TearDown(t)
	s, recorder, _ := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_carol", false))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)

	var rr server.RespondResponse
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &rr), "decoding response")
	test.AssertEquals(t, rr.Result, models.AcceptResult("declined"))
	test.AssertEquals(t, recorder.Len(), 0)

	got, err := s.Store.Get(offer.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.State, models.StateOpen)
}

func TestRespondClosedRound(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	offer := factory.CreateRound(t)
	expired, err := s.Store.ExpireRound(offer.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, expired, true)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_alice", true))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusGone)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "round_closed")
}

func TestRespondUnknownRecipient(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("drv_stranger", true))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "recipient_not_found")
}

func TestRespondMissingRecipient(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/responses", respondBody("", true))
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	e := decodeError(t, w)
	test.AssertEquals(t, e.ID, "missing_parameter")
}

func TestCancelRound(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	offer := factory.CreateRound(t)

	req, _ := http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/cancel", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)
	var cr server.CancelRoundResponse
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &cr), "decoding response")
	test.AssertEquals(t, cr.Cancelled, true)

	got, err := s.Store.Get(offer.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, got.State, models.StateCancelled)

	// a second cancel has no effect and says so
	req, _ = http.NewRequest("POST", "/v1/rounds/"+offer.ID.String()+"/cancel", nil)
	w = serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusOK)
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &cr), "decoding response")
	test.AssertEquals(t, cr.Cancelled, false)
}

func TestCancelRoundNotFound(t *testing.T) {
	defer test.TearDown(t)
	s, _, _ := newServices(t)
	req, _ := http.NewRequest("POST", "/v1/rounds/"+factory.RandomId("rnd_").String()+"/cancel", nil)
	w := serve(t, s, req)
	test.AssertEquals(t, w.Code, http.StatusNotFound)
}
