package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"vestnik/internal/api"
	"vestnik/internal/config"
)

// NotifyUsers posts a batch notification to a running gateway's
// notify API. Used by the -notify CLI flag for operational pings.
func NotifyUsers(userIDs []string, title, message string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.NotifyUsersRequest{
		UserIDs: userIDs,
		Title:   title,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/notify-users", cfg.NotifyAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call notify API: %w. Is the gateway running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to notify (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.NotifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Notification accepted for %d user(s)\n", len(userIDs))
	return nil
}
