// Package server provides the HTTP interface for the offer broadcaster: the
// round API for the booking back office, and the inbound response webhook
// the messaging provider calls when a driver replies.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	dberror "github.com/Shyp/go-dberror"
	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"github.com/islago/ringer/arbiter"
	"github.com/islago/ringer/config"
	"github.com/islago/ringer/dispatcher"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/offers"
)

// The maximum body size that can be sent to any endpoint.
const MAX_REQUEST_BODY_SIZE = 100 * 1024

// DefaultTTL is the round deadline applied when a create request doesn't
// specify one.
const DefaultTTL = 5 * time.Minute

var disallowUnencryptedRequests = true

func init() {
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

// GET/POST /v1/rounds
var roundsRoute = regexp.MustCompile(`^/v1/rounds$`)

// GET /v1/rounds/rnd_123
var getRoundRoute = regexp.MustCompile(`^/v1/rounds/(?P<id>rnd_[^\s\/]+)$`)

// POST /v1/rounds/:id/responses
var respondRoute = regexp.MustCompile(`^/v1/rounds/(?P<id>rnd_[^\s\/]+)/responses$`)

// POST /v1/rounds/:id/cancel
var cancelRoute = regexp.MustCompile(`^/v1/rounds/(?P<id>rnd_[^\s\/]+)/cancel$`)

// Services holds the components the HTTP layer dispatches into.
type Services struct {
	Dispatcher *dispatcher.Dispatcher
	Arbiter    *arbiter.Arbiter
	Store      *offers.Store
}

// Get returns a http.Handler with all routes initialized using the given
// Authorizer.
func Get(a Authorizer, s *Services) http.Handler {
	h := new(RegexpHandler)

	h.Handler(roundsRoute, []string{"POST"}, authHandler(createRound(s), a))
	h.Handler(getRoundRoute, []string{"GET"}, authHandler(getRound(s), a))
	h.Handler(respondRoute, []string{"POST"}, authHandler(respond(s), a))
	h.Handler(cancelRoute, []string{"POST"}, authHandler(cancelRound(s), a))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("ringer/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a
// proxy without TLS.
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS in a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if
// the DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the
// output will be jumbled if the server is handling multiple requests at the
// same time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// A CreateRoundRequest is sent in the body of a request to POST /v1/rounds.
type CreateRoundRequest struct {
	JobRef     string   `json:"job_ref"`
	Recipients []string `json:"recipients"`
	// Seconds until the round expires. Defaults to DefaultTTL.
	TTLSeconds int `json:"ttl_seconds"`
}

// POST /v1/rounds
//
// Create a round and fan it out to the listed recipients.
func createRound(s *Services) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("job_ref", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var crr CreateRoundRequest
		err := json.NewDecoder(io.LimitReader(r.Body, MAX_REQUEST_BODY_SIZE)).Decode(&crr)
		if err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if crr.JobRef == "" {
			badRequest(w, r, createEmptyErr("job_ref", r.URL.Path))
			return
		}
		if len(crr.Recipients) == 0 {
			badRequest(w, r, createEmptyErr("recipients", r.URL.Path))
			return
		}
		if crr.TTLSeconds < 0 {
			badRequest(w, r, createPositiveIntErr("ttl_seconds", r.URL.Path))
			return
		}
		ttl := DefaultTTL
		if crr.TTLSeconds > 0 {
			ttl = time.Duration(crr.TTLSeconds) * time.Second
		}

		offer, err := s.Dispatcher.Broadcast(crr.JobRef, crr.Recipients, ttl)
		if err != nil {
			switch terr := err.(type) {
			case *offers.DuplicateActiveRoundError:
				conflict(w, &rest.Error{
					Title:    terr.Error(),
					ID:       "duplicate_active_round",
					Instance: r.URL.Path,
				})
				go metrics.Increment("round.create.duplicate")
				return
			case *dberror.Error:
				badRequest(w, r, &rest.Error{
					Title:    terr.Message,
					ID:       "invalid_parameter",
					Instance: r.URL.Path,
				})
				return
			default:
				if err == dispatcher.ErrNoRecipientsReached {
					w.WriteHeader(http.StatusServiceUnavailable)
					json.NewEncoder(w).Encode(&rest.Error{
						Title:    "No recipients could be notified, the round was cancelled",
						ID:       "no_recipients_reached",
						Instance: r.URL.Path,
					})
					return
				}
				writeServerError(w, r, err)
				return
			}
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(offer)
		go metrics.Increment("round.create.http.success")
	})
}

// GET /v1/rounds/:id
//
// Read-only snapshot of a round and its recipients, for status and debug
// display.
func getRound(s *Services) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getRoundRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse {
			return
		}
		offer, err := s.Store.GetRetry(id, 3)
		if err != nil {
			if err == offers.ErrNotFound {
				notFound(w, new404(r))
				go metrics.Increment("round.get.not_found")
				return
			}
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(offer)
		go metrics.Increment("round.get.success")
	})
}

// A RespondRequest is sent in the body of a request to POST
// /v1/rounds/:id/responses. The messaging provider maps the free-text reply
// to the accepted boolean before calling this endpoint.
type RespondRequest struct {
	RecipientID string `json:"recipient_id"`
	Accepted    bool   `json:"accepted"`
}

// A RespondResponse reports what one response attempt did.
type RespondResponse struct {
	Result models.AcceptResult `json:"result"`
}

// POST /v1/rounds/:id/responses
//
// The inbound webhook. The delivery channel may redeliver the same message;
// this endpoint produces the same terminal state on replay.
func respond(s *Services) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := respondRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse {
			return
		}
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("recipient_id", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var rr RespondRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, MAX_REQUEST_BODY_SIZE)).Decode(&rr); err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if rr.RecipientID == "" {
			badRequest(w, r, createEmptyErr("recipient_id", r.URL.Path))
			return
		}
		respondedAt := time.Now().UTC()

		if !rr.Accepted {
			if err := s.Arbiter.HandleDecline(id, rr.RecipientID, respondedAt); err != nil {
				writeServerError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(RespondResponse{Result: "declined"})
			return
		}

		result, err := s.Arbiter.HandleAccept(id, rr.RecipientID, respondedAt)
		if err != nil {
			switch terr := err.(type) {
			case *offers.RoundClosedError:
				w.WriteHeader(http.StatusGone)
				json.NewEncoder(w).Encode(&rest.Error{
					Title:    terr.Error(),
					ID:       "round_closed",
					Instance: r.URL.Path,
				})
				return
			default:
				if err == offers.ErrNotFound {
					notFound(w, new404(r))
					return
				}
				if err == offers.ErrUnknownRecipient {
					notFound(w, &rest.Error{
						Title:    "Recipient is not part of this round",
						ID:       "recipient_not_found",
						Instance: r.URL.Path,
						Status:   404,
					})
					return
				}
				writeServerError(w, r, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(RespondResponse{Result: result})
	})
}

// A CancelRoundResponse reports whether the cancel had any effect.
type CancelRoundResponse struct {
	Cancelled bool `json:"cancelled"`
}

// POST /v1/rounds/:id/cancel
//
// Withdraw an open round, e.g. because the customer cancelled the booking.
// Reports cancelled=false, not an error, if the round already left the open
// state.
func cancelRound(s *Services) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := cancelRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse {
			return
		}
		cancelled, err := s.Store.CancelRound(id)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if cancelled {
			go metrics.Increment("round.cancel.success")
		} else {
			if _, err := s.Store.Get(id); err == offers.ErrNotFound {
				notFound(w, new404(r))
				return
			}
			go metrics.Increment("round.cancel.noop")
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(CancelRoundResponse{Cancelled: cancelled})
	})
}
