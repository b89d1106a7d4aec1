// Logic for interacting with the "job_offers" and "offer_recipients" tables.
//
// Every write in this package is a conditional state transition; the
// database decides every race. No caller-visible operation does an
// unconditional read-then-write.
package offers

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	"github.com/Shyp/go-types"
	"github.com/islago/ringer/models"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/lib/pq"
)

const Prefix = "rnd_"

// ErrNotFound indicates that the round was not found.
var ErrNotFound = errors.New("Round not found")

// ErrUnknownRecipient indicates the recipient was never part of the round's
// fan-out, so the response can't be matched to a stake.
var ErrUnknownRecipient = errors.New("Recipient is not part of this round")

// SweepLimit is the maximum number of expired rounds to fetch in one
// database query.
var SweepLimit = 100

// A DuplicateActiveRoundError is returned when a round is created for a job
// ref that already has an open round. Callers should treat this as "a round
// is already in flight", not retry creation.
type DuplicateActiveRoundError struct {
	JobRef string
}

func (e *DuplicateActiveRoundError) Error() string {
	return fmt.Sprintf("An open round already exists for job %s", e.JobRef)
}

// A RoundClosedError is returned for responses that arrive after a round
// expired or was cancelled.
type RoundClosedError struct {
	ID    types.PrefixUUID
	State models.OfferState
}

func (e *RoundClosedError) Error() string {
	return fmt.Sprintf("Round %s is closed (%s)", e.ID.String(), e.State)
}

func init() {
	dberror.RegisterConstraint(openRoundConstraint)
}

var openRoundConstraint = &dberror.Constraint{
	Name: "one_open_round_per_job",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "An open round already exists for this job",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

// A Store provides atomic transition operations on rounds. Raw field
// mutation is not exposed; the invariants hold at this boundary.
type Store struct {
	conn *sql.DB

	createOfferStmt     *sql.Stmt
	createRecipientStmt *sql.Stmt
	getStmt             *sql.Stmt
	getRecipientsStmt   *sql.Stmt
	acceptStmt          *sql.Stmt
	markWinnerStmt      *sql.Stmt
	supersedeStmt       *sql.Stmt
	classifyStmt        *sql.Stmt
	lostStmt            *sql.Stmt
	declineStmt         *sql.Stmt
	closeStmt           *sql.Stmt
	closeRecipientsStmt *sql.Stmt
	expiredRoundsStmt   *sql.Stmt
	countByStateStmt    *sql.Stmt
}

// New prepares all statements against conn and returns a ready Store.
func New(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("offers: no DB connection was established, can't query")
	}
	s := &Store{conn: conn}

	query := fmt.Sprintf(`-- offers.CreateRound
INSERT INTO job_offers (id, job_ref, state, expires_at)
VALUES ($1, $2, '%s', $3)
RETURNING %s`, models.StateOpen, fields())
	var err error
	s.createOfferStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.CreateRound.recipient
INSERT INTO offer_recipients (job_offer_id, recipient_id, status)
VALUES ($1, $2, '%s')
RETURNING %s`, models.StatusPending, recipientFields())
	s.createRecipientStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.Get
SELECT %s
FROM job_offers
WHERE id = $1`, fields())
	s.getStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.Get.recipients
SELECT %s
FROM offer_recipients
WHERE job_offer_id = $1
ORDER BY recipient_id ASC`, recipientFields())
	s.getRecipientsStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.TryAccept
UPDATE job_offers
SET state = '%s',
	winner_recipient_id = $2,
	updated_at = now()
WHERE id = $1
	AND state = '%s'
	AND EXISTS (
		SELECT 1 FROM offer_recipients
		WHERE job_offer_id = $1
			AND recipient_id = $2
			AND status = '%s'
	)`, models.StateAssigned, models.StateOpen, models.StatusPending)
	s.acceptStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.TryAccept.winner
UPDATE offer_recipients
SET status = '%s',
	responded_at = $3,
	updated_at = now()
WHERE job_offer_id = $1
	AND recipient_id = $2`, models.StatusAccepted)
	s.markWinnerStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.TryAccept.supersede
UPDATE offer_recipients
SET status = '%s',
	updated_at = now()
WHERE job_offer_id = $1
	AND status = '%s'`, models.StatusSuperseded, models.StatusPending)
	s.supersedeStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = `-- offers.TryAccept.classify
SELECT o.state, o.winner_recipient_id, r.status, r.responded_at
FROM job_offers o
LEFT JOIN offer_recipients r
	ON r.job_offer_id = o.id AND r.recipient_id = $2
WHERE o.id = $1`
	s.classifyStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = `-- offers.TryAccept.lost
UPDATE offer_recipients
SET responded_at = $3,
	updated_at = now()
WHERE job_offer_id = $1
	AND recipient_id = $2
	AND responded_at IS NULL`
	s.lostStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.RecordDecline
UPDATE offer_recipients
SET status = '%s',
	responded_at = $3,
	updated_at = now()
WHERE job_offer_id = $1
	AND recipient_id = $2
	AND status = '%s'`, models.StatusDeclined, models.StatusPending)
	s.declineStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.CloseRound
UPDATE job_offers
SET state = $2,
	updated_at = now()
WHERE id = $1
	AND state = '%s'`, models.StateOpen)
	s.closeStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.CloseRound.recipients
UPDATE offer_recipients
SET status = $2,
	updated_at = now()
WHERE job_offer_id = $1
	AND status = '%s'`, models.StatusPending)
	s.closeRecipientsStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- offers.ListExpiredRounds
SELECT '%s' || id
FROM job_offers
WHERE state = '%s'
	AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT %d`, Prefix, models.StateOpen, SweepLimit)
	s.expiredRoundsStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = `-- offers.CountByState
SELECT state, count(*) FROM job_offers GROUP BY state`
	s.countByStateStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// CreateRound creates a round for jobRef with one pending stake per
// recipient, as a single atomic unit; partial fan-out records are never
// observable. A *DuplicateActiveRoundError is returned if an open round
// already exists for jobRef.
func (s *Store) CreateRound(id types.PrefixUUID, jobRef string, recipientIDs []string, ttl time.Duration) (*models.JobOffer, error) {
	if len(recipientIDs) == 0 {
		return nil, errors.New("offers: can't create a round with no recipients")
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	offer := new(models.JobOffer)
	var winner sql.NullString
	expiresAt := time.Now().UTC().Add(ttl)
	err = tx.Stmt(s.createOfferStmt).QueryRow(id, jobRef, expiresAt).Scan(args(offer, &winner)...)
	if err != nil {
		derr := dberror.GetError(err)
		if cerr, ok := derr.(*dberror.Error); ok && cerr.Constraint == openRoundConstraint.Name {
			return nil, &DuplicateActiveRoundError{JobRef: jobRef}
		}
		return nil, derr
	}
	offer.WinnerRecipientID = winner.String

	for _, recipientID := range recipientIDs {
		ro := new(models.RecipientOffer)
		err = tx.Stmt(s.createRecipientStmt).QueryRow(id, recipientID).Scan(recipientArgs(ro)...)
		if err != nil {
			return nil, dberror.GetError(err)
		}
		offer.Recipients = append(offer.Recipients, *ro)
	}
	if err := tx.Commit(); err != nil {
		return nil, dberror.GetError(err)
	}
	return offer, nil
}

// TryAccept is the only operation that can choose a round's winner. Exactly
// one concurrent call per round observes ResultWon; every other call
// observes ResultLost or ResultAlreadyResponded, or a *RoundClosedError if
// the round expired or was cancelled first.
func (s *Store) TryAccept(id types.PrefixUUID, recipientID string, respondedAt time.Time) (models.AcceptResult, error) {
	if id.UUID == uuid.Nil {
		return "", errors.New("Invalid id")
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	res, err := tx.Stmt(s.acceptStmt).Exec(id, recipientID)
	if err != nil {
		return "", dberror.GetError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if count > 1 {
		// id is the primary key, this should not be possible
		return "", fmt.Errorf("offers: %d rounds assigned by one accept for %s, please investigate", count, id.String())
	}
	if count == 1 {
		if _, err := tx.Stmt(s.markWinnerStmt).Exec(id, recipientID, respondedAt); err != nil {
			return "", dberror.GetError(err)
		}
		if _, err := tx.Stmt(s.supersedeStmt).Exec(id); err != nil {
			return "", dberror.GetError(err)
		}
		if err := tx.Commit(); err != nil {
			return "", dberror.GetError(err)
		}
		return models.ResultWon, nil
	}

	// The conditional write had no effect. Find out why; the read happens in
	// the same transaction so the answer is the state that beat us.
	var state models.OfferState
	var winner sql.NullString
	var status sql.NullString
	var responded types.NullTime
	err = tx.Stmt(s.classifyStmt).QueryRow(id, recipientID).Scan(&state, &winner, &status, &responded)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", dberror.GetError(err)
	}

	if !status.Valid {
		return "", ErrUnknownRecipient
	}
	switch state {
	case models.StateExpired, models.StateCancelled:
		return "", &RoundClosedError{ID: id, State: state}
	case models.StateAssigned:
		if winner.Valid && winner.String == recipientID {
			return models.ResultAlreadyResponded, nil
		}
		if responded.Valid {
			return models.ResultAlreadyResponded, nil
		}
		// Record when the losing attempt arrived, so a redelivery of the
		// same response reads as a replay instead of a fresh loss.
		if _, err := tx.Stmt(s.lostStmt).Exec(id, recipientID, respondedAt); err != nil {
			return "", dberror.GetError(err)
		}
		if err := tx.Commit(); err != nil {
			return "", dberror.GetError(err)
		}
		return models.ResultLost, nil
	case models.StateOpen:
		if models.RecipientStatus(status.String) != models.StatusPending {
			return models.ResultAlreadyResponded, nil
		}
		return "", fmt.Errorf("offers: open round %s with pending recipient %s did not accept, please investigate", id.String(), recipientID)
	default:
		return "", fmt.Errorf("offers: unknown round state %q", state)
	}
}

// RecordDecline marks the recipient's stake declined if it is still pending.
// Returns false, with no error, if the recipient already responded or the
// round already left the open state; declines never change round state.
func (s *Store) RecordDecline(id types.PrefixUUID, recipientID string, respondedAt time.Time) (bool, error) {
	if id.UUID == uuid.Nil {
		return false, errors.New("Invalid id")
	}
	res, err := s.declineStmt.Exec(id, recipientID, respondedAt)
	if err != nil {
		return false, dberror.GetError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// ExpireRound transitions an open round to expired, and its pending
// recipients with it. Returns false, with no error, if the round was not
// open; the sweeper can race acceptances freely because of this.
func (s *Store) ExpireRound(id types.PrefixUUID) (bool, error) {
	return s.closeRound(id, models.StateExpired, models.StatusExpired)
}

// CancelRound transitions an open round to cancelled. Same conditional
// discipline as ExpireRound; still-pending recipients are superseded.
func (s *Store) CancelRound(id types.PrefixUUID) (bool, error) {
	return s.closeRound(id, models.StateCancelled, models.StatusSuperseded)
}

func (s *Store) closeRound(id types.PrefixUUID, state models.OfferState, status models.RecipientStatus) (bool, error) {
	if id.UUID == uuid.Nil {
		return false, errors.New("Invalid id")
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Stmt(s.closeStmt).Exec(id, state)
	if err != nil {
		return false, dberror.GetError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if _, err := tx.Stmt(s.closeRecipientsStmt).Exec(id, status); err != nil {
		return false, dberror.GetError(err)
	}
	if err := tx.Commit(); err != nil {
		return false, dberror.GetError(err)
	}
	return true, nil
}

// Get the round with the given id, including all recipient stakes. Returns
// ErrNotFound if no round exists.
func (s *Store) Get(id types.PrefixUUID) (*models.JobOffer, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	offer := new(models.JobOffer)
	var winner sql.NullString
	err := s.getStmt.QueryRow(id).Scan(args(offer, &winner)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	offer.WinnerRecipientID = winner.String

	rows, err := s.getRecipientsStmt.Query(id)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	for rows.Next() {
		ro := new(models.RecipientOffer)
		if err := rows.Scan(recipientArgs(ro)...); err != nil {
			return nil, err
		}
		offer.Recipients = append(offer.Recipients, *ro)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offer, nil
}

// GetRetry attempts to retrieve the round attempts times before giving up.
func (s *Store) GetRetry(id types.PrefixUUID, attempts uint8) (offer *models.JobOffer, err error) {
	for i := uint8(0); i < attempts; i++ {
		offer, err = s.Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// ListExpiredRounds returns the ids of open rounds whose deadline is at or
// before now. A maximum of SweepLimit ids are returned.
func (s *Store) ListExpiredRounds(now time.Time) ([]types.PrefixUUID, error) {
	rows, err := s.expiredRoundsStmt.Query(now)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var ids []types.PrefixUUID
	for rows.Next() {
		var id types.PrefixUUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState returns the number of rounds in each state.
func (s *Store) CountByState() (map[models.OfferState]int64, error) {
	rows, err := s.countByStateStmt.Query()
	m := make(map[models.OfferState]int64)
	if err != nil {
		return m, dberror.GetError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var state models.OfferState
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return m, err
		}
		m[state] = count
	}
	return m, rows.Err()
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	job_ref,
	state,
	winner_recipient_id,
	expires_at,
	created_at,
	updated_at`, Prefix)
}

func recipientFields() string {
	return fmt.Sprintf(`'%s' || job_offer_id,
	recipient_id,
	status,
	responded_at,
	created_at,
	updated_at`, Prefix)
}

func args(offer *models.JobOffer, winner *sql.NullString) []interface{} {
	return []interface{}{
		&offer.ID,
		&offer.JobRef,
		&offer.State,
		winner,
		&offer.ExpiresAt,
		&offer.CreatedAt,
		&offer.UpdatedAt,
	}
}

func recipientArgs(ro *models.RecipientOffer) []interface{} {
	return []interface{}{
		&ro.JobOfferID,
		&ro.RecipientID,
		&ro.Status,
		&ro.RespondedAt,
		&ro.CreatedAt,
		&ro.UpdatedAt,
	}
}
