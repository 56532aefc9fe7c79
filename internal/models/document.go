package models

import "time"

// TemplateVersion identifies the structural layout produced by the renderer.
const TemplateVersion = "digest/v2"

// EntityBlock is one anonymized, enriched candidate inside a digest.
type EntityBlock struct {
	Alias        string   `json:"alias"`
	Headline     string   `json:"headline"`
	Location     string   `json:"location"`
	Compensation string   `json:"compensation"`
	Tenure       string   `json:"tenure"`
	Fragments    []string `json:"fragments"`
	RankScore    float64  `json:"rank_score"`
}

// Page groups whole blocks by index; a block never spans two pages.
type Page struct {
	Number int   `json:"number"`
	Blocks []int `json:"blocks"`
}

// DigestDocument is the immutable pipeline output.
type DigestDocument struct {
	RequestID       string        `json:"request_id"`
	Audience        Audience      `json:"audience"`
	GeneratedAt     time.Time     `json:"generated_at"`
	EntityCount     int           `json:"entity_count"`
	TemplateVersion string        `json:"template_version"`
	Blocks          []EntityBlock `json:"blocks"`
	Pages           []Page        `json:"pages"`
	Body            string        `json:"body"`
}
