package test

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/islago/ringer/models/db"
	"github.com/islago/ringer/offers"
	"github.com/islago/ringer/setup"
	"github.com/stretchr/testify/require"
)

var mu sync.Mutex
var conn *sql.DB
var store *offers.Store

// SetUp connects to the test database, applies the schema, and returns the
// shared connection and store. The connection is established once and reused
// by every test in the process.
func SetUp(t testing.TB) (*sql.DB, *offers.Store) {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if conn != nil {
		return conn, store
	}
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://ringer@localhost:5432/ringer_test?sslmode=disable&timezone=UTC")
	}
	c, err := setup.DB(db.DefaultConnection, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := setup.CreateTables(c); err != nil {
		t.Fatal(err)
	}
	s, err := offers.New(c)
	if err != nil {
		t.Fatal(err)
	}
	conn, store = c, s
	return conn, store
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	_, err := conn.Exec(fmt.Sprintf("-- %s\nDELETE FROM offer_recipients;\nDELETE FROM job_offers", name))
	return err
}

// TearDown deletes all records from the database, and marks the test as
// failed if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	if conn != nil {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}

func Assert(t testing.TB, cond bool, msg string) {
	t.Helper()
	require.True(t, cond, msg)
}

func AssertEquals(t testing.TB, got, want interface{}) {
	t.Helper()
	require.Equal(t, want, got)
}

func AssertNotError(t testing.TB, err error, msg string) {
	t.Helper()
	require.NoError(t, err, msg)
}

func AssertError(t testing.TB, err error, msg string) {
	t.Helper()
	require.Error(t, err, msg)
}
