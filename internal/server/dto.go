package server

import "hades/internal/domain"

// submittedInject is what the relay publishes on the requests subject.
type submittedInject struct {
	ID string `json:"id"`
	domain.Inject
}

type acceptedResponse struct {
	Status string `json:"status" example:"accepted"`
}
