// Package factory contains helpers for instantiating tests.
package factory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Shyp/go-types"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/offers"
	"github.com/islago/ringer/test"
	uuid "github.com/kevinburke/go.uuid"
)

var RoundId types.PrefixUUID

func init() {
	id, _ := types.NewPrefixUUID("rnd_6740b44e-13b9-475d-af06-979627e0e0d6")
	RoundId = id
}

// SampleRecipients is the default recipient set for created rounds.
var SampleRecipients = []string{"drv_alice", "drv_bravo", "drv_carol"}

const DefaultTTL = 5 * time.Minute

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	return types.PrefixUUID{
		UUID:   uuid.NewV4(),
		Prefix: prefix,
	}
}

// RandomJobRef returns a unique booking reference.
func RandomJobRef() string {
	return "booking-" + RandomId("").String()
}

// CreateRound creates an open round for a fresh job ref with the sample
// recipients, and returns it.
func CreateRound(t testing.TB) *models.JobOffer {
	t.Helper()
	return CreateRoundFor(t, RandomJobRef(), SampleRecipients, DefaultTTL)
}

// CreateRoundFor creates an open round with the given job ref, recipients
// and deadline.
func CreateRoundFor(t testing.TB, jobRef string, recipientIDs []string, ttl time.Duration) *models.JobOffer {
	t.Helper()
	_, store := test.SetUp(t)
	offer, err := store.CreateRound(RandomId(offers.Prefix), jobRef, recipientIDs, ttl)
	test.AssertNotError(t, err, "creating round")
	return offer
}

// A SentMessage records one call to the RecordingNotifier.
type SentMessage struct {
	Kind        string
	RecipientID string
	JobRef      string
	RoundID     types.PrefixUUID
}

// RecordingNotifier records every notification instead of delivering it.
// Safe for concurrent use. If Err is set, every call fails with it; if
// FailRecipients is set, calls for those recipients fail with Err.
type RecordingNotifier struct {
	mu             sync.Mutex
	Messages       []SentMessage
	Err            error
	FailRecipients []string
}

func (r *RecordingNotifier) record(kind, recipientID, jobRef string, roundID types.PrefixUUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil && len(r.FailRecipients) == 0 {
		return r.Err
	}
	for _, failed := range r.FailRecipients {
		if failed == recipientID {
			if r.Err != nil {
				return r.Err
			}
			return fmt.Errorf("factory: delivery to %s failed", recipientID)
		}
	}
	r.Messages = append(r.Messages, SentMessage{
		Kind:        kind,
		RecipientID: recipientID,
		JobRef:      jobRef,
		RoundID:     roundID,
	})
	return nil
}

func (r *RecordingNotifier) Send(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return r.record("offer", recipientID, jobRef, roundID)
}

func (r *RecordingNotifier) NotifyWon(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return r.record("won", recipientID, jobRef, roundID)
}

func (r *RecordingNotifier) NotifyLost(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return r.record("lost", recipientID, jobRef, roundID)
}

func (r *RecordingNotifier) NotifyExpired(recipientID, jobRef string, roundID types.PrefixUUID) error {
	return r.record("expired", recipientID, jobRef, roundID)
}

// Len returns the number of recorded messages.
func (r *RecordingNotifier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}

// ByKind returns the recorded messages of one kind.
func (r *RecordingNotifier) ByKind(kind string) []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SentMessage
	for _, m := range r.Messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// An Assignment records one call to the RecordingSink.
type Assignment struct {
	JobRef      string
	RecipientID string
}

// RecordingSink records assignment events instead of delivering them to a
// booking service.
type RecordingSink struct {
	mu          sync.Mutex
	Assignments []Assignment
	Err         error
}

func (r *RecordingSink) JobAssigned(jobRef, recipientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Assignments = append(r.Assignments, Assignment{JobRef: jobRef, RecipientID: recipientID})
	return nil
}

// Len returns the number of recorded assignments.
func (r *RecordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Assignments)
}

// String implements fmt.Stringer for test failure output.
func (r *RecordingSink) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%v", r.Assignments)
}
