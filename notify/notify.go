// Clients for the outbound messaging gateway.
package notify

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/Shyp/go-types"
	"github.com/islago/ringer/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var Logger *log.Logger

func init() {
	// setup the logger
	Logger = log.New(os.Stderr, "", log.LstdFlags)
}

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// A Notifier delivers offer traffic to recipients. Implementations choose
// the transport (SMS, WhatsApp, push); this package only decides when each
// message kind is sent. Delivery is best effort: callers log failures and
// never roll back committed state because of them.
type Notifier interface {
	// Send delivers the initial offer for a round to one recipient.
	Send(recipientID, jobRef string, roundID types.PrefixUUID) error

	// NotifyWon tells the winning recipient the job is theirs.
	NotifyWon(recipientID, jobRef string, roundID types.PrefixUUID) error

	// NotifyLost tells a recipient someone else took the job.
	NotifyLost(recipientID, jobRef string, roundID types.PrefixUUID) error

	// NotifyExpired tells a late responder the offer is no longer open.
	NotifyExpired(recipientID, jobRef string, roundID types.PrefixUUID) error
}

// The Client is an API client for a messaging gateway that can handle POST
// requests to /v1/messages. The gateway is expected to return a 202 and
// deliver the message out of band.
type Client struct {
	*rest.Client

	Message *MessageService
}

// NewClient creates a new Client.
func NewClient(id, token, base string) *Client {
	c := &Client{&rest.Client{
		Id:     id,
		Token:  token,
		Client: httpClient,
		Base:   base,
	}, nil}
	c.Message = &MessageService{Client: c}
	return c
}

func (c *Client) Send(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return c.Message.Post(KindOffer, recipientID, jobRef, roundID)
}

func (c *Client) NotifyWon(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return c.Message.Post(KindWon, recipientID, jobRef, roundID)
}

func (c *Client) NotifyLost(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return c.Message.Post(KindLost, recipientID, jobRef, roundID)
}

func (c *Client) NotifyExpired(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return c.Message.Post(KindExpired, recipientID, jobRef, roundID)
}
