// Manual end-to-end check for the relay: mints a JWT, registers a
// connection and session, listens on the websocket, and posts one
// streaming turn. Run against a live server and a reachable provider.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const (
	baseURL = "http://localhost:8080"
	wsURL   = "ws://localhost:8080/ws"
)

type jwtResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

type turnEvent struct {
	TurnID    string `json:"turn_id"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
}

func main() {
	fmt.Println("Starting streaming relay test...")

	token, err := getJWTToken()
	if err != nil {
		log.Fatalf("Failed to get JWT token: %v", err)
	}
	fmt.Printf("JWT token obtained: %s...\n", token[:20])

	connectionID, err := createConnection(token)
	if err != nil {
		log.Fatalf("Failed to create connection: %v", err)
	}

	sessionID, err := createSession(token, connectionID)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	fmt.Printf("Session created: %s\n", sessionID)

	conn, err := openWebsocket(token, sessionID)
	if err != nil {
		log.Fatalf("Failed to open websocket: %v", err)
	}
	defer conn.Close()

	if err := startTurn(token, sessionID); err != nil {
		log.Fatalf("Failed to start turn: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("Websocket read failed: %v", err)
		}

		var event turnEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("Skipping unparseable event: %v", err)
			continue
		}

		switch event.Type {
		case "delta":
			fmt.Print(event.Content)
		case "done":
			fmt.Println("\nTurn completed")
			return
		case "error":
			log.Fatalf("Turn failed: %s", event.Error)
		}
	}
}

func getJWTToken() (string, error) {
	req, err := http.NewRequest("POST", baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("X-API-Key", os.Getenv("RELAY_API_KEY"))
	req.Header.Set("X-API-Secret", os.Getenv("RELAY_API_SECRET"))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth failed with status %d: %s", resp.StatusCode, string(body))
	}

	var jwtResp jwtResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwtResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %v", err)
	}
	return jwtResp.Token, nil
}

func createConnection(token string) (string, error) {
	body := map[string]any{
		"provider": "openai",
		"base_url": envOr("RELAY_TEST_BASE_URL", "https://api.openai.com/v1"),
		"api_key":  os.Getenv("RELAY_TEST_PROVIDER_KEY"),
	}
	out, err := postJSON(token, "/api/v1/chat/connections", body)
	if err != nil {
		return "", err
	}
	return out["connection_id"].(string), nil
}

func createSession(token, connectionID string) (string, error) {
	body := map[string]any{
		"connection_id": connectionID,
		"model":         envOr("RELAY_TEST_MODEL", "gpt-4o-mini"),
	}
	out, err := postJSON(token, "/api/v1/chat/sessions", body)
	if err != nil {
		return "", err
	}
	return out["session_id"].(string), nil
}

func startTurn(token, sessionID string) error {
	body := map[string]any{
		"content": "Write one sentence about the speed of light, using LaTeX for any formula.",
		"mode":    "stream",
	}
	_, err := postJSON(token, "/api/v1/chat/sessions/"+sessionID+"/turns", body)
	return err
}

func openWebsocket(token, sessionID string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session_id="+sessionID, header)
	return conn, err
}

func postJSON(token, path string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(raw))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
