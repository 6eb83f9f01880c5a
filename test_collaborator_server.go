package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Standalone mock of the external collaborators, for manual testing:
//
//	go run test_collaborator_server.go
//
// Serves POST /transcribe (transcription collaborator) and POST /verify
// (identity collaborator). Point the service at it with
// transcription.endpoint and auth.endpoint set to this server.

type transcribeResponse struct {
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	Language    string    `json:"language"`
	ProcessedAt time.Time `json:"processed_at"`
}

type verifyResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	sampleRate := r.FormValue("sample_rate")
	format := r.FormValue("format")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio", http.StatusInternalServerError)
		return
	}

	log.Printf("transcribe: file=%s bytes=%d sample_rate=%s format=%s",
		header.Filename, len(audioData), sampleRate, format)

	// Simulate model latency.
	time.Sleep(150 * time.Millisecond)

	resp := transcribeResponse{
		Text:        fmt.Sprintf("mock transcript of %d bytes", len(audioData)),
		Confidence:  0.92,
		Language:    "en",
		ProcessedAt: time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func verifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == "invalid" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Any non-empty token names its own user.
	resp := verifyResponse{
		UserID:      "user-" + token,
		DisplayName: "User " + token,
	}

	log.Printf("verify: token=%s -> %s", token, resp.UserID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func main() {
	http.HandleFunc("/transcribe", transcribeHandler)
	http.HandleFunc("/verify", verifyHandler)

	addr := ":9000"
	log.Printf("mock collaborator server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
