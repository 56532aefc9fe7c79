package models

import "time"

// CandidateSnapshot is a point-in-time copy of a CRM record. It is never written back.
type CandidateSnapshot struct {
	ID              string    `json:"id"`
	FullName        string    `json:"full_name"`
	CurrentEmployer string    `json:"current_employer"`
	Email           string    `json:"email,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	ProfileURL      string    `json:"profile_url,omitempty"`
	Title           string    `json:"title"`
	Industry        string    `json:"industry,omitempty"`
	Location        string    `json:"location"`
	CompensationMin int64     `json:"compensation_min"`
	CompensationMax int64     `json:"compensation_max"`
	TenureYears     float64   `json:"tenure_years"`
	Skills          []string  `json:"skills,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	RankScore       float64   `json:"rank_score"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IdentityTerms lists the raw values that must never appear in a rendered digest.
func (c CandidateSnapshot) IdentityTerms() []string {
	terms := make([]string, 0, 5)
	for _, v := range []string{c.FullName, c.CurrentEmployer, c.Email, c.Phone, c.ProfileURL} {
		if v != "" {
			terms = append(terms, v)
		}
	}
	return terms
}
