// Setup helps initialize applications.
package setup

import (
	"database/sql"
	_ "embed"
	"errors"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/islago/ringer/models"
	"github.com/islago/ringer/models/db"
	"github.com/islago/ringer/offers"
)

//go:embed schema.sql
var schema string

// DB initializes a connection to the database with the given number of
// connections, and pings it.
func DB(connector db.Connector, dbConns int) (*sql.DB, error) {
	conn, err := connector.Connect(dbConns)
	if err != nil {
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.New("Could not establish a database connection: " + err.Error())
	}
	return conn, nil
}

// CreateTables applies the schema. Every statement is idempotent, so this is
// safe to run on every boot and in every test setup.
func CreateTables(conn *sql.DB) error {
	_, err := conn.Exec(schema)
	return err
}

// MeasureActiveQueries publishes the number of active Postgres queries on
// the given interval.
//
// TODO this should use a different database connection than the server or
// the sweeper, to avoid contention.
func MeasureActiveQueries(conn *sql.DB, interval time.Duration) {
	for range time.Tick(interval) {
		var count int64
		err := conn.QueryRow(`-- setup.MeasureActiveQueries
SELECT count(*) FROM pg_stat_activity WHERE state='active'`).Scan(&count)
		if err == nil {
			go metrics.Measure("active_queries.count", count)
		} else {
			go metrics.Increment("active_queries.error")
		}
	}
}

// MeasureRoundStates publishes a gauge per round state on the given
// interval.
func MeasureRoundStates(store *offers.Store, interval time.Duration) {
	for range time.Tick(interval) {
		m, err := store.CountByState()
		if err != nil {
			go metrics.Increment("rounds.measure.error")
			continue
		}
		for _, state := range []models.OfferState{models.StateOpen, models.StateAssigned, models.StateExpired, models.StateCancelled} {
			count := m[state]
			go metrics.Measure("rounds."+string(state), count)
		}
	}
}
