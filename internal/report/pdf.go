package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Brand colours.
var (
	colorCyan     = rgb{0x00, 0xD9, 0xFF}
	colorDarkBlue = rgb{0x00, 0x3D, 0x5C}
	colorGreen    = rgb{0x10, 0xB9, 0x81}
	colorBlack    = rgb{0x00, 0x00, 0x00}
	colorGray     = rgb{0x66, 0x66, 0x66}
)

const (
	inch         = 72.0
	pageWidth    = 8.5 * inch
	pageHeight   = 11 * inch
	marginLeft   = 0.75 * inch
	fontFamily   = "Helvetica"
	checkFont    = "ZapfDingbats"
	checkGlyph   = "4"
	footerTitle  = "LibrIA - Reseñas Inteligentes"
	footerCredit = "Desarrollado por Carlos Silva"
	footerRole   = "Ing. en Informática"
)

type rgb struct{ r, g, b int }

// page wraps fpdf with a top-down cursor and cp1252 translation for the
// core fonts.
type page struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
	y   float64
}

func (p *page) color(c rgb) {
	p.pdf.SetTextColor(c.r, c.g, c.b)
}

func (p *page) font(style string, size float64) {
	p.pdf.SetFont(fontFamily, style, size)
}

func (p *page) text(x float64, s string) {
	p.pdf.Text(x, p.y, p.tr(s))
}

func (p *page) centered(s string) {
	t := p.tr(s)
	p.pdf.Text((pageWidth-p.pdf.GetStringWidth(t))/2, p.y, t)
}

func (p *page) rule(c rgb, width, x1, x2 float64) {
	p.pdf.SetDrawColor(c.r, c.g, c.b)
	p.pdf.SetLineWidth(width)
	p.pdf.Line(x1, p.y, x2, p.y)
}

// Render draws the summary as a two-page Letter PDF.
func Render(s Summary) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(s.Title, true)
	pdf.SetAuthor("LibrIA", true)

	p := &page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pdf.SetHeaderFunc(func() { drawHeader(p) })

	pdf.AddPage()
	drawCover(p, s)

	pdf.AddPage()
	drawContent(p, s)
	drawFooter(p)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func drawHeader(p *page) {
	p.y = 0.75 * inch
	p.color(colorCyan)
	p.font("B", 20)
	p.text(0.5*inch, "LibrIA")

	p.y = 1 * inch
	p.rule(colorCyan, 2, 0.5*inch, pageWidth-0.5*inch)
}

func drawCover(p *page, s Summary) {
	p.y = 2.2 * inch

	p.color(colorCyan)
	p.font("B", 32)
	for _, line := range limit(wrap(s.Title, 30), 3) {
		p.centered(line)
		p.y += 38
	}

	if s.Subtitle != "" {
		p.y += 0.1 * inch
		p.font("", 18)
		for _, line := range limit(wrap(s.Subtitle, 40), 2) {
			p.centered(line)
			p.y += 22
		}
	}

	p.y += 0.3 * inch
	p.color(colorDarkBlue)
	p.font("B", 22)
	p.centered(s.Author)

	p.y += 0.5 * inch
	p.rule(colorCyan, 1, 1.5*inch, pageWidth-1.5*inch)

	p.y += 0.4 * inch
	p.color(colorGreen)
	p.font("B", 12)
	p.text(marginLeft, "Género:")
	p.color(colorBlack)
	p.font("", 12)
	for _, line := range limit(wrap(s.Genre, 65), 2) {
		p.y += 16
		p.text(marginLeft, line)
	}

	if s.Concepts != "" {
		p.y += 0.4 * inch
		p.color(colorCyan)
		p.font("B", 12)
		p.text(marginLeft, "Conceptos clave:")
		p.color(colorGray)
		p.font("", 11)
		for _, line := range limit(wrap(s.Concepts, 70), 4) {
			p.y += 15
			p.text(marginLeft, line)
		}
	}

	if len(s.Recognitions) > 0 {
		p.y += 0.4 * inch
		p.color(colorGreen)
		p.font("B", 12)
		p.text(marginLeft, "Reconocimientos:")
		p.color(colorBlack)
		for _, item := range s.Recognitions {
			p.y += 15
			p.pdf.SetFont(checkFont, "", 10)
			p.pdf.Text(marginLeft, p.y, checkGlyph)
			p.font("", 11)
			p.text(marginLeft+14, strings.TrimPrefix(item, "✓ "))
		}
	}
}

func drawContent(p *page, s Summary) {
	// The cursor runs top-down but sections stop at fixed distances from
	// the bottom edge.
	bottom := func(in float64) float64 { return pageHeight - in*inch }

	p.y = 1.8 * inch

	p.color(colorCyan)
	p.font("B", 13)
	p.text(marginLeft, "De qué trata este libro")
	p.y += 18

	p.color(colorBlack)
	p.font("", 10)
	for _, line := range limit(wrap(s.Synopsis, 80), 12) {
		if p.y > bottom(2) {
			break
		}
		p.text(marginLeft, line)
		p.y += 12
	}
	p.y += 18

	if len(s.Excerpts) > 0 && p.y < bottom(2.5) {
		p.color(colorCyan)
		p.font("B", 13)
		p.text(marginLeft, "Lo que dicen los lectores")
		p.y += 18

		p.color(colorGray)
		for _, ex := range s.Excerpts {
			if p.y > bottom(2.2) {
				break
			}
			p.font("I", 9)
			for _, line := range limit(wrap(`"`+ex.Excerpt+`"`, 78), 2) {
				if p.y > bottom(2.2) {
					break
				}
				p.text(marginLeft+10, line)
				p.y += 10
			}
			p.font("", 8)
			p.text(marginLeft+10, "— "+ex.Source)
			p.y += 16
		}
		p.y += 8
	}

	if p.y < bottom(2) {
		p.color(colorCyan)
		p.font("B", 12)
		p.text(marginLeft, "¿Para quién es este libro?")
		p.y += 15

		p.color(colorBlack)
		p.font("", 10)
		for _, line := range limit(wrap(s.Audience, 75), 2) {
			if p.y > bottom(1.8) {
				break
			}
			p.text(marginLeft, line)
			p.y += 12
		}
		p.y += 10
	}

	if len(s.Warnings) > 0 && p.y < bottom(1.6) {
		p.color(colorGreen)
		p.font("B", 11)
		p.text(marginLeft, "Ten en cuenta")
		p.y += 14

		p.color(colorGray)
		p.font("", 9)
		for _, warning := range s.Warnings {
			if p.y > bottom(1.5) {
				break
			}
			for _, line := range limit(wrap("• "+warning, 75), 2) {
				p.text(marginLeft, line)
				p.y += 10
			}
		}
	}
}

func drawFooter(p *page) {
	p.y = pageHeight - 1.2*inch
	p.rule(colorCyan, 1, 0.5*inch, pageWidth-0.5*inch)

	p.y = pageHeight - 0.9*inch
	p.color(colorDarkBlue)
	p.font("B", 11)
	p.centered(footerTitle)

	p.y += 15
	p.color(colorGray)
	p.font("", 9)
	p.centered(footerCredit)

	p.y += 12
	p.font("", 8)
	p.centered(footerRole)
}

// wrap breaks text into lines of at most width characters on whitespace.
// Words longer than width are split.
func wrap(text string, width int) []string {
	var lines []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			lines = append(lines, string(current))
			current = current[:0]
		}
	}

	for _, word := range strings.Fields(text) {
		w := []rune(word)
		for len(w) > width {
			flush()
			lines = append(lines, string(w[:width]))
			w = w[width:]
		}
		switch {
		case len(current) == 0:
			current = append(current, w...)
		case len(current)+1+len(w) <= width:
			current = append(current, ' ')
			current = append(current, w...)
		default:
			flush()
			current = append(current, w...)
		}
	}
	flush()
	return lines
}
