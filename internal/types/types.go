// Package types defines the shared data model for the web intelligence
// platform: pages, entities, intelligence findings, relationships, links
// and async tasks. All persistence and orchestration packages exchange
// these structs; none of them carry behavior beyond small helpers.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Page is the canonical record of a fetched (or enqueued) web resource.
type Page struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Depth       int       `json:"depth"`
	Priority    float64   `json:"priority"`
	PageType    string    `json:"page_type"`
	FetchStatus string    `json:"fetch_status"`
	FetchedAt   time.Time `json:"fetched_at"`
	TextLength  int       `json:"text_length"`
}

// PageContent holds the heavy columns split off from Page so that page
// scans stay cheap. Same id as its Page; replaced wholesale on refetch.
type PageContent struct {
	PageID     string            `json:"page_id"`
	RawHTML    string            `json:"raw_html"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
	Structured map[string]any    `json:"structured"`
}

// Entity is a named real-world thing with an open attribute bag.
type Entity struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata"`
	LastSeen time.Time      `json:"last_seen"`
}

// MergedInto returns the id of the surviving entity when this row is a
// tombstone, or "" for live entities.
func (e *Entity) MergedInto() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata["merged_into"].(string); ok {
		return v
	}
	return ""
}

// Intelligence is one verified fact-cluster about one entity from one
// page. Immutable once written.
type Intelligence struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name"`
	PageID     string    `json:"page_id"`
	SourceURL  string    `json:"source_url"`
	Finding    Finding   `json:"finding"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Finding is the structured intel schema shared by the extractor and the
// reflector. Empty sections are omitted on the wire.
type Finding struct {
	BasicInfo     map[string]any   `json:"basic_info,omitempty"`
	Persons       []PersonInfo     `json:"persons,omitempty"`
	Jobs          []map[string]any `json:"jobs,omitempty"`
	Metrics       []Metric         `json:"metrics,omitempty"`
	Locations     []LocationInfo   `json:"locations,omitempty"`
	Financials    []map[string]any `json:"financials,omitempty"`
	Products      []ProductInfo    `json:"products,omitempty"`
	Events        []EventInfo      `json:"events,omitempty"`
	Relationships []RelationInfo   `json:"relationships,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Extras        map[string]any   `json:"extras,omitempty"`
}

// IsEmpty reports whether the finding carries no sections at all.
func (f *Finding) IsEmpty() bool {
	return len(f.BasicInfo) == 0 && len(f.Persons) == 0 && len(f.Jobs) == 0 &&
		len(f.Metrics) == 0 && len(f.Locations) == 0 && len(f.Financials) == 0 &&
		len(f.Products) == 0 && len(f.Events) == 0 && len(f.Relationships) == 0 &&
		f.Summary == "" && len(f.Extras) == 0
}

// PersonInfo is a person mentioned in a finding.
type PersonInfo struct {
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Title string `json:"title,omitempty"`
}

// Metric is a named numeric or textual measure (revenue, headcount...).
type Metric struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Year  string `json:"year,omitempty"`
}

// LocationInfo is a place tied to the subject entity.
type LocationInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"` // headquarters, office, ...
}

// ProductInfo is a product or service offered by the subject entity.
type ProductInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EventInfo is a dated event involving the subject entity.
type EventInfo struct {
	Name string `json:"name"`
	Date string `json:"date,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// RelationInfo is a relation asserted between the subject and another
// named entity within a finding.
type RelationInfo struct {
	Target   string `json:"target"`
	Relation string `json:"relation"`
	Kind     string `json:"kind,omitempty"`
}

// Relationship is a directed typed edge between two stored records
// (entity, page or intelligence). Deduplicated on (source, target, type).
type Relationship struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Relation   string         `json:"relation"`
	SourceType string         `json:"source_type"`
	TargetType string         `json:"target_type"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Relation type vocabulary. Open set; these are the ones the core emits.
const (
	RelMentionsEntity  = "mentions_entity"
	RelHasIntel        = "has_intel"
	RelPageLink        = "page_link"
	RelRelatedEntity   = "related_entity"
	RelCEOOf           = "ceo_of"
	RelHeadquarteredIn = "headquartered_in"
)

// Record type labels used in relationship source/target typing and in
// vector payloads.
const (
	RecordEntity = "entity"
	RecordPage   = "page"
	RecordIntel  = "intel"
)

// Link is a hyperlink observed on one page. Upgraded to a page_link
// relationship once both endpoints have Page rows.
type Link struct {
	ID         string    `json:"id"`
	FromPageID string    `json:"from_page_id"`
	ToURL      string    `json:"to_url"`
	Anchor     string    `json:"anchor"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	Depth      int       `json:"depth"`
	SeenAt     time.Time `json:"seen_at"`
}

// TaskStatus is the lifecycle state of an async task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a persistent unit of asynchronous work.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	Params      map[string]any `json:"params"`
	Progress    float64        `json:"progress"`
	ProgressMsg string         `json:"progress_msg"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// EntityProfile describes the crawl target handed to the explorer.
type EntityProfile struct {
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	Location        string   `json:"location,omitempty"`
	OfficialDomains []string `json:"official_domains,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
}

// PageIDForURL derives the stable page id for a URL. The same URL always
// yields the same id (UUID5 over the URL namespace), which makes page
// saves natural upserts.
func PageIDForURL(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String()
}

// NewID returns a fresh random id for records that are not derived from
// a URL (entities, intelligence, relationships, tasks).
func NewID() string {
	return uuid.NewString()
}
