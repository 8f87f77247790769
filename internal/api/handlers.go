package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// Notifier is the notification ingress the handlers forward to.
type Notifier interface {
	NotifyAssignment(userID, assignmentID, contextID, message string) error
	NotifyBatch(userIDs []string, title, message string, extra map[string]any) error
}

type API struct {
	notifier Notifier
}

func New(notifier Notifier) *API {
	return &API{notifier: notifier}
}

type NotifyAssignmentRequest struct {
	UserID       string `json:"userId"`
	AssignmentID string `json:"assignmentId"`
	ContextID    string `json:"contextId,omitempty"`
	Message      string `json:"message"`
}

type NotifyUsersRequest struct {
	UserIDs []string       `json:"userIds"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type NotifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *API) NotifyAssignmentHandler(w http.ResponseWriter, r *http.Request) {
	var req NotifyAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.notifier.NotifyAssignment(req.UserID, req.AssignmentID, req.ContextID, req.Message); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, NotifyResponse{Success: true, Message: "Notification sent"})
}

func (a *API) NotifyUsersHandler(w http.ResponseWriter, r *http.Request) {
	var req NotifyUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.notifier.NotifyBatch(req.UserIDs, req.Title, req.Message, req.Extra); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, NotifyResponse{Success: true, Message: "Notifications sent"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
