package orchestrator

import (
	"fmt"
	"strings"

	"cms-job-service/internal/entity"
)

const systemPrompt = `You are part of an editorial pipeline that produces long-form articles
for a content-management platform. Follow the stage instructions exactly and
do not add commentary outside the requested format.`

func researchPrompt(job *entity.ArticleJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research the topic %q for a long-form article.\n", job.Keyword)
	if len(job.Settings.RelatedKeywords) > 0 {
		fmt.Fprintf(&b, "Also cover these related keywords: %s.\n", strings.Join(job.Settings.RelatedKeywords, ", "))
	}
	b.WriteString(`Produce a research brief with:
- the search intent behind the topic
- an outline of sections with H2/H3 headings
- key facts, figures and price ranges to include
- questions readers commonly ask`)
	return b.String()
}

func draftPrompt(job *entity.ArticleJob, research, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a complete article in markdown about %q.\n", job.Keyword)
	fmt.Fprintf(&b, "Target length: about %d words.\n\n", job.Settings.TargetWordCount)
	b.WriteString("Research brief:\n")
	b.WriteString(research)
	if feedback != "" {
		b.WriteString("\n\nAn editor reviewed your previous draft. Revise it to address every point:\n")
		b.WriteString(feedback)
	}
	b.WriteString("\n\nReturn only the article markdown, starting with a single H1 title.")
	return b.String()
}

func critiquePrompt(job *entity.ArticleJob, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a strict editor. Review this draft article about %q.\n\n", job.Keyword)
	b.WriteString(draft)
	fmt.Fprintf(&b, `

Assess accuracy, structure, depth and keyword coverage. List concrete
problems as bullet points. Then end your review with exactly two lines:

SCORE: <1-10>
VERDICT: <APPROVED or REVISE>

Approve only if the draft needs no substantive changes (score %d or higher).`, job.Settings.QualityThreshold)
	return b.String()
}

func finalizePrompt(job *entity.ArticleJob, draft string) string {
	var b strings.Builder
	b.WriteString("Prepare this approved draft for publication.\n\n")
	b.WriteString(draft)
	fmt.Fprintf(&b, `

Return a single JSON object, no prose and no code fences, with exactly these fields:
{
  "title": "...",
  "slug": "...",
  "content": "full article markdown without the H1 title",
  "excerpt": "1-2 sentence summary",
  "meta_title": "SEO title, max 60 chars",
  "meta_description": "SEO description, max 155 chars",
  "meta_keywords": ["..."],
  "focus_keyword": %q,
  "schema_markup": { "@context": "https://schema.org", "@type": "Article" }
}`, job.Keyword)
	return b.String()
}
