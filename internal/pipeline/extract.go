package pipeline

import (
	"bytes"
	"image"
	"mime"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"fourbuy/internal/capture"
	"fourbuy/internal/util"
)

// Attachment is an image part of an e-receipt that can be sent as a receipt
// photo when no fiscal QR string was found.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

type Extraction struct {
	Subject         string
	Text            string
	QRTexts         []string
	Images          []Attachment
	AttachmentNames []string
}

// Extractor pulls fiscal QR strings and image candidates out of a raw email.
type Extractor struct {
	decoder capture.Decoder
}

func NewExtractor(decoder capture.Decoder) *Extractor {
	if decoder == nil {
		decoder = capture.NewQRDecoder()
	}
	return &Extractor{decoder: decoder}
}

func (e *Extractor) Extract(raw []byte) (Extraction, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Extraction{}, err
	}

	out := Extraction{Subject: env.GetHeader("Subject"), Text: env.Text}
	qr := newQRSet()
	qr.addText(env.Text)
	if env.HTML != "" {
		qr.addText(htmlText(env.HTML))
		for _, link := range htmlLinks(env.HTML) {
			qr.addText(link)
		}
	}

	parts := make([]*enmime.Part, 0, len(env.Inlines)+len(env.Attachments)+len(env.OtherParts))
	parts = append(parts, env.Inlines...)
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.OtherParts...)

	for _, part := range parts {
		name := strings.TrimSpace(part.FileName)
		if name == "" {
			name = "attachment"
		}
		if part.Disposition == "attachment" || part.FileName != "" {
			out.AttachmentNames = append(out.AttachmentNames, name)
		}

		switch partKind(name, part.ContentType) {
		case kindPDF:
			if text, err := pdfText(part.Content); err == nil {
				qr.addText(text)
			}
		case kindXLSX:
			if text, err := xlsxText(part.Content); err == nil {
				qr.addText(text)
			}
		case kindImage:
			img, _, err := image.Decode(bytes.NewReader(part.Content))
			if err != nil {
				continue
			}
			if text, ok := e.decoder.Decode(img); ok {
				qr.addText(text)
			}
			out.Images = append(out.Images, Attachment{Name: name, ContentType: part.ContentType, Content: part.Content})
		}
	}

	out.QRTexts = qr.list
	return out, nil
}

type qrSet struct {
	seen map[string]struct{}
	list []string
}

func newQRSet() *qrSet {
	return &qrSet{seen: map[string]struct{}{}}
}

func (s *qrSet) addText(text string) {
	for _, code := range util.FindFiscalQR(text) {
		if _, ok := s.seen[code]; ok {
			continue
		}
		s.seen[code] = struct{}{}
		s.list = append(s.list, code)
	}
}

type kind int

const (
	kindOther kind = iota
	kindPDF
	kindXLSX
	kindImage
)

func partKind(name, contentType string) kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(contentType)
	}
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case mediaType == "application/pdf" || ext == ".pdf":
		return kindPDF
	case ext == ".xlsx" || strings.Contains(mediaType, "spreadsheetml"):
		return kindXLSX
	case strings.HasPrefix(mediaType, "image/"), ext == ".jpg", ext == ".jpeg", ext == ".png", ext == ".gif", ext == ".webp":
		return kindImage
	default:
		return kindOther
	}
}

func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	lines := []string{}
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		lines = append(lines, util.NormalizeSpaces(s.Text()))
	})
	if len(lines) == 0 {
		lines = append(lines, util.NormalizeSpaces(doc.Text()))
	}
	return strings.Join(lines, "\n")
}

// htmlLinks returns link and image targets; operator mails often carry the
// fiscal string only as the query of a "check receipt" link.
func htmlLinks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	out := []string{}
	doc.Find("a[href], img[src]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"href", "src", "alt"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
	})
	return out
}

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func xlsxText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			for _, cell := range row {
				if cell = strings.TrimSpace(cell); cell != "" {
					b.WriteString(cell)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String(), nil
}
