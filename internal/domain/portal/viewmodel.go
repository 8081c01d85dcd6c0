package portal

import "github.com/medcare/medcare/internal/platform/hospital"

// Page is the JSON view model a page route renders. The client shell maps
// Page to a view; Data is the upstream payload the view draws from. A page
// whose upstream read failed still renders, carrying Error instead of Data,
// so navigation never dead-ends on a flaky dashboard endpoint.
type Page struct {
	Page  string         `json:"page"`
	User  *hospital.User `json:"user,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}
