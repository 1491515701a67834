package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"Mailflow/internal/campaign"
)

// DefaultMaxRows caps an upload when the caller passes no limit.
const DefaultMaxRows = 1000

var (
	ErrEmptyHeader   = errors.New("csv header row is empty")
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// ParseRecipients reads a CSV whose header row has an "Email" column
// (case-insensitive). Every other column becomes a template field keyed by
// its header. Malformed and blank-email rows are skipped; address validation
// is left to the campaign service.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipients(r io.Reader, maxRows int) ([]campaign.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyHeader
	}
	if err != nil {
		return nil, err
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		if i == 0 {
			// Spreadsheet exports often start with a UTF-8 BOM.
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		normalized[i] = h
		if emailIdx == -1 && strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		if len(headers) == 1 && normalized[0] == "" {
			return nil, ErrEmptyHeader
		}
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]campaign.Recipient, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, campaign.Recipient{
			Email:  email,
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	return rows, nil
}
