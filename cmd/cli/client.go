package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type tokenData struct {
	Token string `json:"token"`
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed (%d): %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("json: %v", err)
	}
	fmt.Println(string(b))
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.mangasync-token.json"
	}
	return filepath.Join(home, ".mangasync", "token.json")
}

func saveToken(path, token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tokenData{Token: token}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readToken(path string) (string, error) {
	if t := os.Getenv("MANGAHUB_TOKEN"); t != "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil {
		return "", err
	}
	if td.Token = strings.TrimSpace(td.Token); td.Token == "" {
		return "", errors.New("token file is empty")
	}
	return td.Token, nil
}

func clearToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func websocketURL(baseURL, path, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	q := url.Values{}
	if token != "" {
		q.Set("access_token", token)
	}
	return (&url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     path,
		RawQuery: q.Encode(),
	}).String(), nil
}

// tailEvents prints the event stream, reconnecting until ctx ends.
func tailEvents(ctx context.Context, wsURL string, pretty bool) error {
	for {
		if err := streamOnce(ctx, wsURL, pretty); err != nil {
			log.Printf("[events] disconnected: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func streamOnce(ctx context.Context, wsURL string, pretty bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	log.Printf("[events] connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !pretty {
			fmt.Println(string(msg))
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(msg, &obj); err != nil {
			// not JSON? print raw
			fmt.Println(string(msg))
			continue
		}
		printJSON(obj)
	}
}
