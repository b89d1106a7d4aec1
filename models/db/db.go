// Logic for connecting to the database.
package db

import (
	"database/sql"
	"errors"
	"os"
	"sync"

	_ "github.com/lib/pq"
)

// A Connector establishes a connection to a Postgres database with the
// given number of connections. Implementations must be safe to call from
// multiple goroutines.
type Connector interface {
	Connect(dbConns int) (*sql.DB, error)
}

// DefaultConnection connects to a Postgres database using the DATABASE_URL
// environment variable.
var DefaultConnection Connector = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database using the DATABASE_URL
// environment variable.
type DatabaseURLConnector struct {
	mu sync.Mutex
}

// Connect to the database using the DATABASE_URL environment variable, with
// the given number of database connections.
func (dc *DatabaseURLConnector) Connect(dbConns int) (*sql.DB, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, errors.New("db: No value provided for DATABASE_URL, cannot connect")
	}
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(dbConns)
	if dbConns > 100 {
		conn.SetMaxIdleConns(dbConns - 20)
	} else if dbConns > 50 {
		conn.SetMaxIdleConns(dbConns - 10)
	} else if dbConns > 10 {
		conn.SetMaxIdleConns(dbConns - 3)
	} else if dbConns > 5 {
		conn.SetMaxIdleConns(dbConns - 2)
	}
	return conn, nil
}
