package entity

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStage names the active step of the article pipeline.
type AgentStage string

const (
	StageResearch AgentStage = "research"
	StageDraft    AgentStage = "draft"
	StageCritique AgentStage = "critique"
	StageFinalize AgentStage = "finalize"
)

// ArticleJob is one run of the multi-agent article pipeline.
//
// Invariants: CurrentIteration <= MaxIterations; PageID is set at most once
// and only after Status is completed; FinalOutput is present iff completed.
type ArticleJob struct {
	ID               uuid.UUID       `json:"id"`
	Keyword          string          `json:"keyword"`
	Status           JobStatus       `json:"status"`
	CurrentAgent     AgentStage      `json:"current_agent,omitempty"`
	ProgressPercent  int             `json:"progress_percent"`
	CurrentIteration int             `json:"current_iteration"`
	MaxIterations    int             `json:"max_iterations"`
	TotalTokensUsed  int64           `json:"total_tokens_used"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
	Priority         int             `json:"priority"`
	Settings         ArticleSettings `json:"settings"`
	PageID           *string         `json:"page_id,omitempty"`
	LastError        *string         `json:"last_error,omitempty"`
	FinalOutput      *FinalOutput    `json:"final_output,omitempty"`
	CancelRequested  bool            `json:"cancel_requested"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// ArticleSettings is the structured per-job pipeline configuration.
type ArticleSettings struct {
	SchemaVersion    int      `json:"schema_version"`
	ParentPageID     string   `json:"parent_page_id,omitempty"`
	RelatedKeywords  []string `json:"related_keywords,omitempty"`
	MaxIterations    int      `json:"max_iterations" validate:"min=1,max=10"`
	QualityThreshold int      `json:"quality_threshold" validate:"min=1,max=10"`
	Model            string   `json:"model,omitempty"`
	TargetWordCount  int      `json:"target_word_count" validate:"min=0,max=20000"`
}

// FinalOutput is the structured result of a completed pipeline run.
// Content is markdown; the publish adapter converts it for the CMS.
type FinalOutput struct {
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	Content         string          `json:"content"`
	Excerpt         string          `json:"excerpt,omitempty"`
	MetaTitle       string          `json:"meta_title,omitempty"`
	MetaDescription string          `json:"meta_description,omitempty"`
	MetaKeywords    []string        `json:"meta_keywords,omitempty"`
	FocusKeyword    string          `json:"focus_keyword,omitempty"`
	SchemaMarkup    json.RawMessage `json:"schema_markup,omitempty"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a title. Non-alphanumeric runs collapse
// to single hyphens.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
