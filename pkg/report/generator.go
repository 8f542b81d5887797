package report

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

const (
	defaultTitle = "Submission Analysis Report"
	emptyBody    = "(no text could be extracted from this document)"
)

// Input carries everything that influences the rendered report.
type Input struct {
	Text        string
	FileName    string
	ProcessedAt time.Time
}

// Generator renders extracted text into a paginated A4 PDF. Identical inputs give identical bytes.
type Generator struct {
	title string
}

// NewGenerator constructs a report generator with the default title.
func NewGenerator() *Generator {
	return &Generator{title: defaultTitle}
}

// WithTitle returns a copy of the generator using the provided title.
func (g *Generator) WithTitle(title string) *Generator {
	if strings.TrimSpace(title) == "" {
		return g
	}
	return &Generator{title: title}
}

// Render produces the PDF bytes for the input.
func (g *Generator) Render(in Input) ([]byte, error) {
	pdf := g.build(in)
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

// Generate renders the report and stores it, returning the stored reference.
func (g *Generator) Generate(ctx context.Context, store docstore.Store, in Input) (docstore.Ref, error) {
	data, err := g.Render(in)
	if err != nil {
		return "", err
	}

	ref, err := store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return ref, nil
}

func (g *Generator) build(in Input) *gofpdf.Fpdf {
	processedAt := in.ProcessedAt.UTC().Truncate(time.Second)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(processedAt)
	pdf.SetModificationDate(processedAt)
	pdf.SetCatalogSort(true)
	pdf.SetCompression(true)
	pdf.SetTitle(g.title, true)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("")

	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, tr(g.title), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		fileName = "untitled"
	}

	pdf.SetFont("Arial", "", 10)
	metadata := [][2]string{
		{"File", fileName},
		{"Processed at", processedAt.Format(time.RFC3339)},
		{"Word count", fmt.Sprintf("%d", len(strings.Fields(in.Text)))},
	}
	for _, row := range metadata {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(35, 6, tr(row[0]+":"), "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}

	pdf.Ln(3)
	left, _, right, _ := pdf.GetMargins()
	pageWidth, _ := pdf.GetPageSize()
	y := pdf.GetY()
	pdf.SetLineWidth(0.4)
	pdf.Line(left, y, pageWidth-right, y)
	pdf.Ln(5)

	body := normalizeText(in.Text)
	if body == "" {
		body = emptyBody
	}

	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(0, 5.5, tr(body), "", "L", false)

	return pdf
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\t", "    ")
	return strings.TrimSpace(text)
}
