package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // Each pair is two users in one private conversation.
	MsgCount  = 20 // Messages per user.
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ConversationResponse struct {
	ID string `json:"id"`
}

func main() {
	log.Printf("starting load test: %d users, %d messages each", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA := authenticate(userA, pass)
	authB := authenticate(userB, pass)
	if authA == nil || authB == nil {
		return
	}

	// A starts the conversation with B.
	convID := createConversation(authA.Token, authB.ID)
	if convID == "" {
		log.Printf("pair %d: conversation create failed", pairID)
		return
	}

	var wg sync.WaitGroup
	for _, auth := range []*AuthResponse{authA, authB} {
		wg.Add(1)
		go func(auth *AuthResponse) {
			defer wg.Done()
			chat(auth, convID)
		}(auth)
	}
	wg.Wait()
}

func authenticate(username, password string) *AuthResponse {
	creds, _ := json.Marshal(map[string]string{"username": username, "password": password})

	// Register may fail if the user already exists; login is the check.
	http.Post(BaseURL+"/register", "application/json", bytes.NewReader(creds))

	resp, err := http.Post(BaseURL+"/login", "application/json", bytes.NewReader(creds))
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("login failed for %s", username)
		return nil
	}
	defer resp.Body.Close()

	var auth AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil
	}
	return &auth
}

func createConversation(token, otherUserID string) string {
	body, _ := json.Marshal(map[string]string{"user_id": otherUserID})
	req, _ := http.NewRequest(http.MethodPost, BaseURL+"/api/conversations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	defer resp.Body.Close()

	var conv ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return ""
	}
	return conv.ID
}

func chat(auth *AuthResponse, convID string) {
	conn, _, err := websocket.DefaultDialer.Dial(WSURL+"?token="+auth.Token, nil)
	if err != nil {
		log.Printf("%s: ws dial failed: %v", auth.Username, err)
		return
	}
	defer conn.Close()

	// Drain server pushes so the write side never stalls.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	open, _ := json.Marshal(map[string]string{"action": "open", "conversation_id": convID})
	if err := conn.WriteMessage(websocket.TextMessage, open); err != nil {
		return
	}

	for i := 0; i < MsgCount; i++ {
		frame, _ := json.Marshal(map[string]string{
			"action":  "send",
			"content": fmt.Sprintf("message %d from %s", i, auth.Username),
		})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
