// Delete all rows from the test database.
package main

import (
	"log"

	"github.com/islago/ringer/models/db"
	"github.com/islago/ringer/setup"
)

func main() {
	conn, err := setup.DB(db.DefaultConnection, 1)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := conn.Exec("DELETE FROM offer_recipients; DELETE FROM job_offers"); err != nil {
		log.Fatal(err)
	}
}
