package pdf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
	"github.com/skip2/go-qrcode"
)

// Slip dados exibidos na guia de contribuição enviada pelo WhatsApp. Valores já formatados.
type Slip struct {
	ClinicName       string
	EmployerName     string
	EmployerCNPJ     string
	ContributionType string
	Competence       string // 08/2025
	Value            string // R$ 350,00
	DueDate          string // 10/09/2025
	Reference        string // id da contribuição
	PaymentURL       string // opcional; vira QR code
	Renegotiated     bool
}

// FileName nome sugerido para o anexo.
func (s Slip) FileName() string {
	comp := s.Competence
	if len(comp) == 7 {
		comp = comp[3:] + "-" + comp[:2]
	}
	return fmt.Sprintf("guia-%s.pdf", comp)
}

// BuildBoletoSlip gera o PDF da guia: cabeçalho do sindicato, dados da contribuição e QR do link de pagamento.
func BuildBoletoSlip(s Slip) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, tr(s.ClinicName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	title := "Guia de contribuição"
	if s.Renegotiated {
		title = "Guia de contribuição (renegociada)"
	}
	pdf.CellFormat(0, 6, tr(title), "B", 1, "L", false, 0, "")
	pdf.Ln(4)

	rows := [][2]string{
		{"Empresa", s.EmployerName},
		{"CNPJ", s.EmployerCNPJ},
		{"Contribuição", s.ContributionType},
		{"Competência", s.Competence},
		{"Valor", s.Value},
		{"Vencimento", s.DueDate},
		{"Referência", s.Reference},
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 7, tr(r[0]+":"), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, tr(r[1]), "", 1, "L", false, 0, "")
	}

	if s.PaymentURL != "" {
		pdf.Ln(4)
		qrPNG, err := qrcode.Encode(s.PaymentURL, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("qrcode: %w", err)
		}
		opt := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("payment-qr", opt, bytes.NewReader(qrPNG))
		pdf.ImageOptions("payment-qr", 15, pdf.GetY(), 40, 40, false, opt, 0, "")
		pdf.SetY(pdf.GetY() + 42)
		pdf.CellFormat(0, 6, tr("Pagamento: "+s.PaymentURL), "", 1, "L", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.MultiCell(0, 4, tr("Documento gerado automaticamente pelo atendimento via WhatsApp. Em caso de dúvida, procure a secretaria do sindicato."), "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteSlipTo escreve o PDF no writer.
func WriteSlipTo(s Slip, w io.Writer) error {
	b, err := BuildBoletoSlip(s)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
