package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gopkg.in/gomail.v2"

	"fourbuy/internal"
	"fourbuy/internal/config"
	"fourbuy/internal/util"
)

const shareSubject = "Electronic Receipt"

func ExportRecordToXLSX(record internal.ScanRecord, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{"record_id", "store", "address", "datetime", "name", "qty", "price", "sum", "currency"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	datetime := ""
	if !record.Timestamp.IsZero() {
		datetime = record.Timestamp.Format(time.RFC3339)
	}

	r := 2
	set := func(col int, value any) {
		cell, _ := excelize.CoordinatesToCellName(col, r)
		_ = f.SetCellValue(sheet, cell, value)
	}
	for _, item := range record.Items {
		set(1, record.ID)
		set(2, derefString(record.Store.Name))
		set(3, derefString(record.Store.Address))
		set(4, datetime)
		set(5, item.Name)
		set(6, item.Quantity)
		set(7, item.UnitPrice)
		set(8, item.LineTotal)
		set(9, record.Currency)
		r++
	}
	set(5, "Итого")
	set(8, record.Total)
	set(9, record.Currency)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

// ShareText renders the plain-text summary used when a record is shared.
// Datetime is shown in loc; a nil loc means local time.
func ShareText(record internal.ScanRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	datetime := ""
	if !record.Timestamp.IsZero() {
		datetime = record.Timestamp.In(loc).Format("02.01.2006, 15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s — %s\n", derefString(record.Store.Name), datetime)
	lines := make([]string, 0, len(record.Items))
	for _, item := range record.Items {
		lines = append(lines, fmt.Sprintf("%s x%s = %s %s", item.Name, util.FormatNumber(item.Quantity), util.FormatNumber(item.LineTotal), record.Currency))
	}
	b.WriteString(strings.Join(lines, "\n"))
	fmt.Fprintf(&b, "\nИтого: %s %s", util.FormatNumber(record.Total), record.Currency)
	return b.String()
}

// NewShareMessage builds the share email. attachment may be empty.
func NewShareMessage(from, to string, record internal.ScanRecord, attachment string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", shareSubject)
	m.SetBody("text/plain", ShareText(record, nil))
	if attachment != "" {
		m.Attach(attachment)
	}
	return m
}

// ShareByMail exports the record to a temporary XLSX file and mails it with
// the share text over the configured SMTP server.
func ShareByMail(cfg config.Config, to string, record internal.ScanRecord) error {
	if err := cfg.Require("SMTP_HOST", cfg.SMTPHost); err != nil {
		return err
	}
	from := cfg.SMTPFrom
	if from == "" {
		from = cfg.SMTPUser
	}
	if err := cfg.Require("SMTP_FROM", from); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "fourbuy-share-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	attachment := filepath.Join(dir, "receipt.xlsx")
	if err := ExportRecordToXLSX(record, attachment); err != nil {
		return err
	}

	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	return dialer.DialAndSend(NewShareMessage(from, to, record, attachment))
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
