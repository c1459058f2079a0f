// Package report turns a research dossier into the two-page LibrIA PDF.
//
// Summarize applies the layout rules (what to show, in which order, how many
// items) and Render draws the result with go-pdf/fpdf.
package report

import (
	"strings"

	"libria/pkg/models"
)

const (
	DefaultTitle    = "Título no disponible"
	DefaultAuthor   = "Autor no disponible"
	NotSpecified    = "No especificado"
	NoSynopsis      = "No disponible"
	AnonymousSource = "Anónimo"
)

// Recognition checklist entries.
const (
	CheckAwarded    = "✓ Premiado"
	CheckAdaptation = "✓ Adaptación a película/serie"
	CheckPopular    = "✓ Popular en redes sociales"
	CheckPress      = "✓ Mencionado en medios"
	CheckSeries     = "✓ Forma parte de una serie"
)

const (
	maxGenres       = 5
	maxSecondary    = 2
	maxCategories   = 2
	maxConcepts     = 8
	maxExcerpts     = 5
	maxAudience     = 6
	maxRecognitions = 5
	maxWarnings     = 4
)

// Summary is everything the PDF shows, already selected and joined.
type Summary struct {
	Title        string
	Subtitle     string
	Author       string
	Genre        string
	Concepts     string
	Synopsis     string
	Excerpts     []models.ReviewExcerpt
	Audience     string
	Recognitions []string
	Warnings     []string
}

// Summarize selects the dossier content for the report. Non-empty title and
// author override the dossier's own; d may be nil.
func Summarize(d *models.Dossier, title, author string) Summary {
	if d == nil {
		d = &models.Dossier{}
	}

	s := Summary{
		Title:    firstNonEmpty(title, d.BasicInfo.Title, DefaultTitle),
		Subtitle: d.BasicInfo.Subtitle,
		Author:   firstNonEmpty(author, d.BasicInfo.Author, DefaultAuthor),
		Genre:    genre(d.Genres),
		Concepts: concepts(d.Genres, d.Content.MainMessage),
		Synopsis: firstNonEmpty(d.Content.Synopsis, d.Content.ShortSynopsis, NoSynopsis),
		Audience: audience(d.Audience),
	}

	for _, ex := range limit(d.Reviews.Highlights, maxExcerpts) {
		if ex.Source == "" {
			ex.Source = AnonymousSource
		}
		s.Excerpts = append(s.Excerpts, ex)
	}

	s.Recognitions = recognitions(d.Recognition, d.Publication)
	s.Warnings = limit(nonEmpty(d.Audience.Warnings), maxWarnings)

	return s
}

func genre(c models.Classification) string {
	var genres []string
	if c.MainGenre != "" {
		genres = append(genres, c.MainGenre)
	}
	genres = append(genres, limit(c.SecondaryGenres, maxSecondary)...)
	genres = append(genres, limit(c.Categories, maxCategories)...)
	genres = nonEmpty(genres)

	if len(genres) == 0 {
		return NotSpecified
	}
	return strings.Join(limit(genres, maxGenres), ", ")
}

// concepts joins themes, keywords and the parts of the tone, then appends
// the main message as a closing sentence.
func concepts(c models.Classification, mainMessage string) string {
	var items []string
	items = append(items, c.KeyThemes...)
	items = append(items, c.Keywords...)
	if c.Tone != "" {
		items = append(items, strings.Split(strings.ReplaceAll(c.Tone, " y ", ", "), ", ")...)
	}
	text := strings.Join(limit(nonEmpty(items), maxConcepts), ", ")

	switch {
	case text != "" && mainMessage != "":
		return text + ". " + mainMessage
	case text == "":
		return mainMessage
	default:
		return text
	}
}

func audience(a models.Audience) string {
	var all []string
	all = append(all, a.TargetReaders...)
	all = append(all, a.RecommendedFor...)
	all = limit(nonEmpty(all), maxAudience)

	seen := make(map[string]bool, len(all))
	var unique []string
	for _, item := range all {
		if !seen[item] {
			seen[item] = true
			unique = append(unique, item)
		}
	}

	if len(unique) == 0 {
		return NotSpecified
	}
	return strings.Join(unique, ", ")
}

func recognitions(r models.Recognition, p models.PublicationContext) []string {
	var checks []string
	if len(nonEmpty(r.Awards)) > 0 {
		checks = append(checks, CheckAwarded)
	}
	if len(nonEmpty(r.Adaptations)) > 0 {
		checks = append(checks, CheckAdaptation)
	}
	switch strings.ToLower(strings.TrimSpace(p.OnlinePopularity)) {
	case "alta", "media":
		checks = append(checks, CheckPopular)
	}
	if len(nonEmpty(r.PressMentions)) > 0 {
		checks = append(checks, CheckPress)
	}
	if strings.TrimSpace(p.Series) != "" {
		checks = append(checks, CheckSeries)
	}
	return limit(checks, maxRecognitions)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func limit[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
