package models

import (
	"encoding/json"
	"time"
)

// CoverInfo is what the vision model could read from a cover. A nil field
// means the model was unsure or the value was missing.
type CoverInfo struct {
	Title  *string `json:"titulo"`
	Author *string `json:"autor"`
}

// Known reports whether at least one field was read.
func (c CoverInfo) Known() bool {
	return c.Title != nil || c.Author != nil
}

// TitleOr returns the title or fallback when unknown.
func (c CoverInfo) TitleOr(fallback string) string {
	if c.Title == nil {
		return fallback
	}
	return *c.Title
}

// AuthorOr returns the author or fallback when unknown.
func (c CoverInfo) AuthorOr(fallback string) string {
	if c.Author == nil {
		return fallback
	}
	return *c.Author
}

// Dossier is the research workflow's description of a book. Every section is
// optional; Raw keeps the full document including keys not modelled here.
type Dossier struct {
	BasicInfo   BasicInfo          `json:"informacion_basica"`
	Genres      Classification     `json:"clasificacion"`
	Content     Content            `json:"contenido"`
	Reviews     Reviews            `json:"reseñas"`
	Audience    Audience           `json:"audiencia"`
	Recognition Recognition        `json:"reconocimientos"`
	Publication PublicationContext `json:"contexto_publicacion"`

	Raw map[string]any `json:"-"`
}

type BasicInfo struct {
	Title    string `json:"titulo"`
	Subtitle string `json:"subtitulo"`
	Author   string `json:"autor"`
}

type Classification struct {
	MainGenre       string   `json:"genero_principal"`
	SecondaryGenres []string `json:"generos_secundarios"`
	Categories      []string `json:"categorias"`
	KeyThemes       []string `json:"temas_clave"`
	Keywords        []string `json:"palabras_clave"`
	Tone            string   `json:"tono_general"`
}

type Content struct {
	Synopsis      string `json:"sinopsis"`
	ShortSynopsis string `json:"sinopsis_breve"`
	MainMessage   string `json:"mensaje_principal"`
}

type Reviews struct {
	Highlights []ReviewExcerpt `json:"extractos_destacados"`
}

type ReviewExcerpt struct {
	Excerpt string `json:"extracto"`
	Source  string `json:"fuente"`
}

type Audience struct {
	TargetReaders  []string `json:"publico_objetivo"`
	RecommendedFor []string `json:"recomendado_para"`
	Warnings       []string `json:"advertencias_contenido"`
}

type Recognition struct {
	Awards        []string `json:"premios"`
	Adaptations   []string `json:"adaptaciones"`
	PressMentions []string `json:"mencion_medios"`
}

type PublicationContext struct {
	OnlinePopularity string `json:"popularidad_online"`
	Series           string `json:"serie"`
}

// DossierFromMap decodes the sections of a research document one at a time.
// A section with an unexpected shape is left empty instead of failing the
// whole document; the raw value stays available in Raw.
func DossierFromMap(doc map[string]any) Dossier {
	d := Dossier{Raw: doc}
	decodeSection(doc, "informacion_basica", &d.BasicInfo)
	decodeSection(doc, "clasificacion", &d.Genres)
	decodeSection(doc, "contenido", &d.Content)
	decodeSection(doc, "reseñas", &d.Reviews)
	decodeSection(doc, "audiencia", &d.Audience)
	decodeSection(doc, "reconocimientos", &d.Recognition)
	decodeSection(doc, "contexto_publicacion", &d.Publication)
	return d
}

func decodeSection(doc map[string]any, key string, dst any) {
	section, ok := doc[key]
	if !ok || section == nil {
		return
	}
	data, err := json.Marshal(section)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}

// LookupRecord is one completed lookup as written to the audit sheet.
type LookupRecord struct {
	Timestamp time.Time
	Device    string
	Tier      string
	Title     string
	Author    string
	Genre     string
	Status    string
}
