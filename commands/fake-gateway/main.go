// The fake-gateway is a stand-in messaging gateway for local development
// and load testing. It accepts every message with a 202, and can be told to
// reply to the ringer webhook on behalf of recipients after a short delay.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
)

var accepted = []byte("{\"status\": \"accepted\"}")
var ringerUrl string
var ringerPassword string

func init() {
	ringerUrl = os.Getenv("RINGER_URL")
	if ringerUrl == "" {
		ringerUrl = "http://localhost:9090"
	}
	ringerPassword = os.Getenv("RINGER_AUTH")
	if ringerPassword == "" {
		ringerPassword = "hymanringer"
	}
}

type incomingMessage struct {
	Kind        string `json:"kind"`
	RecipientID string `json:"recipient_id"`
	JobRef      string `json:"job_ref"`
	RoundID     string `json:"round_id"`
}

type webhookResponse struct {
	RecipientID string `json:"recipient_id"`
	Accepted    bool   `json:"accepted"`
}

// reply calls the ringer webhook as if the recipient texted back YES.
func reply(msg incomingMessage) {
	body := new(bytes.Buffer)
	json.NewEncoder(body).Encode(webhookResponse{
		RecipientID: msg.RecipientID,
		Accepted:    true,
	})
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/rounds/%s/responses", ringerUrl, msg.RoundID), body)
	if err != nil {
		log.Printf("error building webhook request: %s", err)
		return
	}
	req.SetBasicAuth("test", ringerPassword)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("error calling webhook for round %s: %s", msg.RoundID, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("replied YES for %s to round %s: %d", msg.RecipientID, msg.RoundID, resp.StatusCode)
}

func main() {
	autoAccept := os.Getenv("AUTO_ACCEPT") == "true"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		var msg incomingMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("message %s to %s (job %s, round %s, idempotency key %s)",
			msg.Kind, msg.RecipientID, msg.JobRef, msg.RoundID, r.Header.Get("Idempotency-Key"))
		if autoAccept && msg.Kind == "offer" {
			go func() {
				time.Sleep(500 * time.Millisecond)
				reply(msg)
			}()
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		w.Write(accepted)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}
	log.Printf("fake gateway listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(":"+port, handlers.LoggingHandler(os.Stdout, mux)))
}
