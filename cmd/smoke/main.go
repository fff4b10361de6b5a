package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

type session struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type errorBody struct {
	Code string `json:"code"`
}

func main() {
	base := os.Getenv("AEGIS_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	email := fmt.Sprintf("smoke-%d@example.com", rand.Int63())
	password := "smoke-password"

	var reg session
	if code := call(ctx, client, http.MethodPost, base+"/v1/auth/register", "", map[string]string{
		"name": "Smoke", "email": email, "password": password,
	}, &reg); code != http.StatusCreated {
		log.Fatalf("register: status %d", code)
	}

	var login session
	if code := call(ctx, client, http.MethodPost, base+"/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, &login); code != http.StatusOK {
		log.Fatalf("login: status %d", code)
	}
	if login.User.ID != reg.User.ID {
		log.Fatalf("login returned user %s, registered %s", login.User.ID, reg.User.ID)
	}

	if code := call(ctx, client, http.MethodGet, base+"/v1/auth/me", login.Token, nil, nil); code != http.StatusOK {
		log.Fatalf("me: status %d", code)
	}
	if code := call(ctx, client, http.MethodPost, base+"/v1/auth/logout", login.Token, nil, nil); code != http.StatusNoContent {
		log.Fatalf("logout: status %d", code)
	}

	var denied errorBody
	code := call(ctx, client, http.MethodGet, base+"/v1/auth/me", login.Token, nil, &denied)
	if code != http.StatusUnauthorized || denied.Code != "TOKEN_BLACKLISTED" {
		log.Fatalf("revoked token still accepted: status %d code %q", code, denied.Code)
	}

	fmt.Printf("✅ aegis smoke test passed: user=%s\n", reg.User.ID)
}

func call(ctx context.Context, client *http.Client, method, url, token string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s: %v", url, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}
