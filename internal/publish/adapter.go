package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/repository/postgresql"
)

var (
	ErrAlreadyPublished = errors.New("article already published")
	ErrNotCompleted     = errors.New("article job is not completed")
	ErrInvalidStatus    = errors.New("page status must be draft or published")
)

// PageService is the CMS collaborator contract. The core never implements it.
type PageService interface {
	CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error)
}

type CreatePageRequest struct {
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	Content         string          `json:"content"` // CMS rich-content HTML
	MetaTitle       string          `json:"meta_title,omitempty"`
	MetaDescription string          `json:"meta_description,omitempty"`
	MetaKeywords    []string        `json:"meta_keywords,omitempty"`
	FocusKeyword    string          `json:"focus_keyword,omitempty"`
	SchemaMarkup    json.RawMessage `json:"schema_markup,omitempty"`
	Template        string          `json:"template,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	Status          string          `json:"status"`
}

type Page struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// ArticleStore is the slice of the article repository publishing needs.
type ArticleStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.ArticleJob, error)
	SetPageID(ctx context.Context, id uuid.UUID, pageID string) error
}

type Options struct {
	ParentPageID string
	Status       string // draft (default) or published
}

// Publisher is the one-shot converter from a completed pipeline run into a
// CMS page. Exactly one publish per job ever reaches the CMS.
type Publisher struct {
	store  ArticleStore
	pages  PageService
	md     goldmark.Markdown
	logger *log.Logger
}

func NewPublisher(store ArticleStore, pages PageService, logger *log.Logger) *Publisher {
	return &Publisher{
		store:  store,
		pages:  pages,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID, opts Options) (*Page, error) {
	status := opts.Status
	if status == "" {
		status = "draft"
	}
	if status != "draft" && status != "published" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, opts.Status)
	}

	job, err := p.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != entity.StatusCompleted || job.FinalOutput == nil {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCompleted, job.Status)
	}
	if job.PageID != nil {
		return nil, fmt.Errorf("%w: page %s", ErrAlreadyPublished, *job.PageID)
	}

	out := job.FinalOutput

	var html bytes.Buffer
	if err := p.md.Convert([]byte(out.Content), &html); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}

	parentID := opts.ParentPageID
	if parentID == "" {
		parentID = job.Settings.ParentPageID
	}

	page, err := p.pages.CreatePage(ctx, CreatePageRequest{
		Title:           out.Title,
		Slug:            out.Slug,
		Content:         html.String(),
		MetaTitle:       out.MetaTitle,
		MetaDescription: out.MetaDescription,
		MetaKeywords:    out.MetaKeywords,
		FocusKeyword:    out.FocusKeyword,
		SchemaMarkup:    out.SchemaMarkup,
		Template:        "article",
		ParentID:        parentID,
		Status:          status,
	})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	// The conditional write backstops a concurrent publish that won the
	// race between our read and now.
	if err := p.store.SetPageID(ctx, jobID, page.ID); err != nil {
		if errors.Is(err, postgresql.ErrAlreadyPublished) {
			return nil, fmt.Errorf("%w: concurrent publish won", ErrAlreadyPublished)
		}
		return nil, err
	}

	p.logger.Info().
		Str("job_id", jobID.String()).
		Str("page_id", page.ID).
		Str("page_path", page.Path).
		Str("page_status", status).
		Msg("article published")

	return page, nil
}
