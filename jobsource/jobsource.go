// Client for the booking service that owns final assignment.
package jobsource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/islago/ringer/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// The Client tells the booking service which recipient won a round. The
// booking service performs the actual booking update; a round's Won result
// is advisory input to it, and it owns any invariants around out-of-band
// reassignment.
type Client struct {
	*rest.Client

	Assignment *AssignmentService
}

// NewClient creates a new Client.
func NewClient(id, token, base string) *Client {
	c := &Client{&rest.Client{
		Id:     id,
		Token:  token,
		Client: httpClient,
		Base:   base,
	}, nil}
	c.Assignment = &AssignmentService{Client: c}
	return c
}

// JobAssigned reports that recipientID won the round for jobRef.
func (c *Client) JobAssigned(jobRef, recipientID string) error {
	return c.Assignment.Post(jobRef, recipientID)
}

type AssignmentService struct {
	Client *Client
}

type AssignmentParams struct {
	RecipientID string `json:"recipient_id"`
}

// Post makes a request to /v1/bookings/:job_ref/assignment. The booking
// service is expected to respond with a 200 or 202.
func (a *AssignmentService) Post(jobRef, recipientID string) error {
	if jobRef == "" || recipientID == "" {
		return errors.New("no assignment to post")
	}
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(&AssignmentParams{RecipientID: recipientID}); err != nil {
		return err
	}
	req, err := a.Client.NewRequest("POST", fmt.Sprintf("/v1/bookings/%s/assignment", jobRef), b)
	if err != nil {
		return err
	}
	return a.Client.Do(req, nil)
}
