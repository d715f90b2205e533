// Package notify delivers operator alerts. The default sink is the
// process log; a Discord-style webhook can be layered on top.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notifier delivers one alert. Implementations must not block the caller
// on slow delivery paths longer than their own timeout.
type Notifier interface {
	Alert(title, message string, level Level)
}

// LogNotifier writes alerts to the process log. Always available.
type LogNotifier struct{}

func (LogNotifier) Alert(title, message string, level Level) {
	log.Printf("alert [%s] %s: %s", level, title, message)
}

// Webhook posts alerts as embeds to a Discord-compatible webhook URL and
// also logs them. Delivery failures are logged and swallowed; alerting
// must never take down the caller.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

func (w *Webhook) Alert(title, message string, level Level) {
	LogNotifier{}.Alert(title, message, level)
	if w.URL == "" {
		return
	}

	color := 0x3498db
	switch level {
	case LevelWarning:
		color = 0xf1c40f
	case LevelCritical:
		color = 0xe74c3c
	}

	payload := map[string][]embed{"embeds": {{
		Title:       title,
		Description: message,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("error delivering webhook alert %q: %s", title, err)
		return
	}
	resp.Body.Close()
}
