package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// TaskRow is one recipient line of a campaign import.
//
// Recognized columns (case-insensitive): Email (required), Subject, Body,
// Sender, Domain, ScheduledAt (RFC 3339). Every other column lands in Fields
// and is available to subject and body templates.
type TaskRow struct {
	Line        int
	Email       string
	Subject     string
	Body        string
	Sender      string
	DomainID    *int64
	ScheduledAt *time.Time
	Fields      map[string]string
}

// RowError reports a data line that was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

const DefaultMaxRows = 1000

var known = map[string]bool{
	"email": true, "subject": true, "body": true,
	"sender": true, "domain": true, "scheduledat": true,
}

// ParseTaskRows parses a CSV with a header row. Malformed lines are skipped
// and reported; a file without any usable line is an error.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseTaskRows(r io.Reader, maxRows int) ([]TaskRow, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, errors.New("csv is empty")
		}
		return nil, nil, err
	}

	idx := map[string]int{}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		key := strings.ToLower(strings.ReplaceAll(h, "_", ""))
		if known[key] {
			idx[key] = i
		}
	}
	if _, ok := idx["email"]; !ok {
		return nil, nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var (
		rows    []TaskRow
		skipped []RowError
	)
	col := func(record []string, name string) string {
		i, ok := idx[name]
		if !ok {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for line := 2; len(rows) < maxRows; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(record) != len(headers) {
			skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("expected %d columns, got %d", len(headers), len(record))})
			continue
		}

		row := TaskRow{
			Line:    line,
			Email:   col(record, "email"),
			Subject: col(record, "subject"),
			Body:    col(record, "body"),
			Sender:  strings.ToLower(col(record, "sender")),
			Fields:  make(map[string]string, len(headers)),
		}
		if row.Email == "" {
			skipped = append(skipped, RowError{Line: line, Reason: "empty email"})
			continue
		}

		if v := col(record, "domain"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("invalid domain id %q", v)})
				continue
			}
			row.DomainID = &id
		}
		if v := col(record, "scheduledat"); v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("invalid scheduled_at %q", v)})
				continue
			}
			row.ScheduledAt = &at
		}

		for i := range record {
			key := normalized[i]
			if key == "" {
				continue
			}
			row.Fields[key] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, skipped, errors.New("csv must contain at least one data row")
	}
	return rows, skipped, nil
}
