package handlers

import "net/http"

func Register(mux *http.ServeMux, availability *AvailabilityHandler, sessions *SessionHandler) {
	mux.HandleFunc("GET /api/v1/tutors/{tutorID}/availability", availability.List)
	mux.HandleFunc("POST /api/v1/availability", availability.Create)
	mux.HandleFunc("POST /api/v1/availability/copy-day", availability.CopyDay)
	mux.HandleFunc("PATCH /api/v1/availability/{id}", availability.Update)
	mux.HandleFunc("POST /api/v1/availability/{id}/active", availability.SetActive)
	mux.HandleFunc("DELETE /api/v1/availability/{id}", availability.Remove)

	mux.HandleFunc("GET /api/v1/slots", sessions.Slots)
	mux.HandleFunc("POST /api/v1/sessions", sessions.Book)
	mux.HandleFunc("GET /api/v1/sessions", sessions.List)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sessions.Get)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", sessions.Cancel)
	mux.HandleFunc("POST /api/v1/sessions/{id}/status", sessions.Advance)
	mux.HandleFunc("GET /api/v1/subscriptions/{id}", sessions.Subscription)
}
