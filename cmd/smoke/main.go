// Smoke client: issues a token, walks the reference endpoints, opens the
// notification channel and asserts a self-sent notification arrives live.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func main() {
	base := os.Getenv("GRIDREF_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	username := os.Getenv("GRIDREF_SMOKE_USER")
	if username == "" {
		username = "smoke"
	}
	password := os.Getenv("GRIDREF_SMOKE_PASSWORD")
	if password == "" {
		log.Fatalf("GRIDREF_SMOKE_PASSWORD is required")
	}

	var pair tokenResponse
	postJSON(client, base+"/v1/auth/token", map[string]any{
		"username": username,
		"password": password,
	}, "", &pair)
	if pair.AccessToken == "" {
		log.Fatalf("no access token issued")
	}
	log.Printf("token issued")

	var health map[string]any
	getJSON(client, base+"/healthz", "", &health)
	log.Printf("health: %v", health["status"])

	var closure map[string]any
	getJSON(client, base+"/v1/hierarchy/HCAU", pair.AccessToken, &closure)
	log.Printf("hierarchy HCAU: %v entities via %v", closure["count"], closure["source"])

	for _, path := range []string{"/v1/zones", "/v1/families", "/v1/units", "/v1/costcentres", "/v1/entities"} {
		var list map[string]any
		getJSON(client, base+path, pair.AccessToken, &list)
		log.Printf("%s: %v records", path, list["count"])
	}

	var dashboard map[string]any
	getJSON(client, base+"/v1/statistics", pair.AccessToken, &dashboard)
	log.Printf("statistics: %v approved, %v staged", dashboard["total_approved"], dashboard["total_staged"])

	wsURL := "ws" + strings.TrimPrefix(base, "http") +
		"/ws/notifications?token=" + url.QueryEscape(pair.AccessToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		log.Fatalf("read hello: %v", err)
	}
	log.Printf("websocket connected, %v unread", hello["unread"])

	var sent map[string]any
	postJSON(client, base+"/v1/notifications/send", map[string]any{
		"title":   "smoke",
		"message": "self check",
	}, pair.AccessToken, &sent)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var received map[string]any
	if err := conn.ReadJSON(&received); err != nil {
		log.Fatalf("notification not delivered: %v", err)
	}
	if received["title"] != "smoke" {
		log.Fatalf("unexpected websocket message: %v", received)
	}
	log.Printf("live delivery OK (id %v)", received["id"])

	var readAll map[string]any
	postJSON(client, base+"/v1/notifications/read-all", nil, pair.AccessToken, &readAll)
	log.Printf("queue drained: %v", readAll["status"])

	fmt.Println("SMOKE OK")
}

func postJSON(client *http.Client, rawURL string, body any, token string, dest any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", rawURL, err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	doJSON(client, req, token, dest)
}

func getJSON(client *http.Client, rawURL, token string, dest any) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		log.Fatalf("request %s: %v", rawURL, err)
	}
	doJSON(client, req, token, dest)
}

func doJSON(client *http.Client, req *http.Request, token string, dest any) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			log.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
}
