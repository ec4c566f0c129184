package documents

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
)

// certificateColumns are the signer table columns in mm; they span an A4
// page inside 15mm margins.
var certificateColumns = []struct {
	label string
	width float64
}{
	{"Signer", 50},
	{"Email", 55},
	{"IP address", 35},
	{"Signed at (UTC)", 40},
}

// CompletionCertificate renders a one-page summary of the sealed current
// version: document identity, signed hash and every signer. Only the owner
// or a group admin may request it.
func (s *Service) CompletionCertificate(ctx context.Context, documentID, actorID uuid.UUID) ([]byte, error) {
	doc, err := s.repo.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeAdmin(ctx, s.repo, doc, actorID); err != nil {
		return nil, err
	}
	version, err := s.currentVersion(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !version.IsSealed() {
		return nil, validationError("document has not been sealed")
	}

	owner, signers, err := s.disclose(ctx, doc, version, true)
	if err != nil {
		return nil, err
	}

	data, err := renderCertificate(doc, version, owner, signers, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return data, nil
}

func renderCertificate(doc *Document, version *DocumentVersion, owner SignerDisclosure, signers []SignerDisclosure, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("Certificate of completion", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 10, "Certificate of completion", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, "Generated "+generatedAt.UTC().Format(time.RFC3339), "", 1, "R", false, 0, "")
	pdf.Ln(6)

	summary := [][2]string{
		{"Document", doc.Title},
		{"Document ID", doc.ID.String()},
		{"Version ID", version.ID.String()},
		{"Sealed at", version.CreatedAt.UTC().Format(time.RFC3339)},
		{"SHA-256", *version.SignedHash},
		{"Access code", "not required"},
	}
	if version.IsPINProtected() {
		summary[5][1] = "required"
	}
	if owner.Name != nil {
		summary = append(summary, [2]string{"Owner", *owner.Name})
	}
	for _, row := range summary {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(35, 6, row[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 6, tr(row[1]), "", "L", false)
	}
	pdf.Ln(8)

	// Signer table
	pdf.SetFont("Arial", "B", 11)
	pdf.SetFillColor(68, 114, 196)
	pdf.SetTextColor(255, 255, 255)
	for _, col := range certificateColumns {
		pdf.CellFormat(col.width, 8, col.label, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	for i, signer := range signers {
		if i%2 == 1 {
			pdf.SetFillColor(242, 242, 242)
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		values := []string{
			deref(signer.Name, idString(signer.UserID)),
			deref(signer.Email, ""),
			deref(signer.IPAddress, ""),
			"",
		}
		if signer.SignedAt != nil {
			values[3] = signer.SignedAt.UTC().Format("2006-01-02 15:04:05")
		}
		for j, col := range certificateColumns {
			pdf.CellFormat(col.width, 7, tr(fit(pdf, values[j], col.width-2)), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(signers) == 0 {
		pdf.CellFormat(0, 7, "No signatures recorded", "1", 1, "C", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func idString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// fit truncates s so it renders within width mm in the current font.
func fit(pdf *gofpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && pdf.GetStringWidth(string(runes)+"...") > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
