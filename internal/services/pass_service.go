package services

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/assocevents/registration-backend/internal/models"
	"github.com/assocevents/registration-backend/pkg/reference"
)

// PassService renders the event pass: a QR code embedded in a one-page PDF.
// Passes are always rendered fresh from the snapshot at delivery time.
type PassService struct {
	logger *logrus.Logger
}

// NewPassService creates a new pass renderer
func NewPassService(logger *logrus.Logger) *PassService {
	return &PassService{logger: logger}
}

// QRPayload is the string encoded into the pass QR code. The check-in desk
// scans it to resolve the registration.
func QRPayload(snapshot models.RegistrationSnapshot) string {
	return fmt.Sprintf("%s|%s|%s", snapshot.ClientRef, snapshot.FullName, snapshot.Category)
}

// GeneratePass renders the A5 pass PDF with the attendee facts and QR code
func (s *PassService) GeneratePass(snapshot models.RegistrationSnapshot) ([]byte, error) {
	qrPNG, err := qrcode.Encode(QRPayload(snapshot), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pass QR: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetTitle(fmt.Sprintf("Event Pass %s", snapshot.ClientRef), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 12, eventTitle(snapshot.EventType), "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 8, "Attendee Pass", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	imgOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("pass-qr", imgOpts, bytes.NewReader(qrPNG))
	pageWidth, _ := pdf.GetPageSize()
	qrSize := 60.0
	pdf.ImageOptions("pass-qr", (pageWidth-qrSize)/2, pdf.GetY(), qrSize, qrSize, false, imgOpts, 0, "")
	pdf.SetY(pdf.GetY() + qrSize + 6)

	line := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}

	line("Reference", snapshot.ClientRef)
	line("Name", snapshot.FullName)
	line("Category", strings.Title(string(snapshot.Category)))
	if snapshot.MembershipNumber != "" {
		line("Membership No", snapshot.MembershipNumber)
	}
	line("Amount Paid", fmt.Sprintf("LKR %.2f", snapshot.TotalAmount))
	if snapshot.PaymentRefNo != "" {
		line("Payment Ref", snapshot.PaymentRefNo)
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.CellFormat(0, 5, fmt.Sprintf("Issued %s. Present this pass at the registration desk.",
		time.Now().Format("2006-01-02")), "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pass PDF: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"client_ref": snapshot.ClientRef,
		"bytes":      buf.Len(),
	}).Debug("Pass rendered")

	return buf.Bytes(), nil
}

func eventTitle(eventType reference.EventType) string {
	switch eventType {
	case reference.EventFellowship:
		return "Annual Fellowship Sessions"
	case reference.EventConference:
		return "Annual Scientific Conference"
	case reference.EventAGM:
		return "Annual General Meeting"
	case reference.EventExhibition:
		return "Trade Exhibition"
	default:
		return "Association Event"
	}
}
