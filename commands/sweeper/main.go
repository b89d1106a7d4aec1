// Sweep expired rounds.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/islago/ringer/config"
	"github.com/islago/ringer/models/db"
	"github.com/islago/ringer/offers"
	"github.com/islago/ringer/setup"
	"github.com/islago/ringer/sweeper"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	dbConns, err := config.GetInt("PG_SWEEPER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 5", err)
		dbConns = 5
	}

	conn, err := setup.DB(db.DefaultConnection, dbConns)
	checkError(err)
	store, err := offers.New(conn)
	checkError(err)

	metrics.Namespace = "ringer.sweeper"
	metrics.Start("sweeper")

	go setup.MeasureActiveQueries(conn, 5*time.Second)
	go setup.MeasureRoundStates(store, 5*time.Second)

	interval := 15 * time.Second
	if seconds, err := config.GetInt("SWEEP_INTERVAL_SECONDS"); err == nil && seconds > 0 {
		interval = time.Duration(seconds) * time.Second
	}
	// The interval is tuning only; a round that's late by one tick is still
	// closed with the same expires_at semantics.
	go sweeper.New(store).Watch(interval)

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
}
