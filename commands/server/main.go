// Run the ringer server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "hymanringer". You will
// want to copy this binary and add your own authentication scheme.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gorilla/handlers"
	"github.com/islago/ringer/arbiter"
	"github.com/islago/ringer/config"
	"github.com/islago/ringer/dispatcher"
	"github.com/islago/ringer/jobsource"
	"github.com/islago/ringer/models/db"
	"github.com/islago/ringer/notify"
	"github.com/islago/ringer/offers"
	"github.com/islago/ringer/server"
	"github.com/islago/ringer/setup"
)

func configure() (http.Handler, error) {
	dbConns, err := config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		dbConns = 10
	}

	conn, err := setup.DB(db.DefaultConnection, dbConns)
	if err != nil {
		return nil, err
	}
	if err := setup.CreateTables(conn); err != nil {
		return nil, err
	}
	store, err := offers.New(conn)
	if err != nil {
		return nil, err
	}

	metrics.Namespace = "ringer.server"
	metrics.Start("web")

	go setup.MeasureActiveQueries(conn, 5*time.Second)

	// Fan-out sends many concurrent requests to the same gateway host.
	config.SetMaxIdleConnsPerHost(100)

	notifyUrl := config.GetURLOrBail("NOTIFY_URL")
	notifier := notify.NewClient("ringer", os.Getenv("NOTIFY_AUTH"), notifyUrl.String())
	bookingUrl := config.GetURLOrBail("BOOKING_URL")
	sink := jobsource.NewClient("ringer", os.Getenv("BOOKING_AUTH"), bookingUrl.String())

	services := &server.Services{
		Dispatcher: dispatcher.New(store, notifier),
		Arbiter:    arbiter.New(store, notifier, sink),
		Store:      store,
	}

	// If you run this in production, change this user.
	authorizer := server.NewSharedSecretAuthorizer()
	authorizer.AddUser("test", "hymanringer")
	return server.Get(authorizer, services), nil
}

func main() {
	s, err := configure()
	if err != nil {
		log.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s)))
}
