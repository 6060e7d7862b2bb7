package api

import (
	"errors"
	"io"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"MailRota/internal/csvparser"
	"MailRota/internal/models"
)

const maxImportBytes = 10 << 20

type importResult struct {
	Enqueued int                  `json:"enqueued"`
	TaskIDs  []string             `json:"task_ids"`
	Skipped  []csvparser.RowError `json:"skipped"`
}

// ImportCampaign bulk-enqueues a CSV of recipients for a campaign. The CSV
// comes either as the raw body or as the "file" part of a multipart form.
// Optional subject and body templates (query or form fields) fill rows that
// lack their own.
func (h *Handler) ImportCampaign(w http.ResponseWriter, r *http.Request) error {
	campaign, err := campaignID(r)
	if err != nil {
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	csvBody, subject, body, err := importSource(r)
	if err != nil {
		return err
	}
	defer csvBody.Close()

	tmpl, err := csvparser.NewTemplates(subject, body)
	if err != nil {
		return errBadRequest(err.Error(), err)
	}

	maxRows, err := queryInt(r, "max_rows", csvparser.DefaultMaxRows, 0)
	if err != nil {
		return err
	}
	rows, skipped, err := csvparser.ParseTaskRows(csvBody, maxRows)
	if err != nil {
		return errBadRequest(err.Error(), err)
	}

	res := importResult{TaskIDs: []string{}, Skipped: skipped}
	if res.Skipped == nil {
		res.Skipped = []csvparser.RowError{}
	}

	for i := range rows {
		row := &rows[i]
		if err := tmpl.Render(row); err != nil {
			res.Skipped = append(res.Skipped, csvparser.RowError{Line: row.Line, Reason: err.Error()})
			continue
		}

		id, err := h.Queue.Enqueue(r.Context(), models.EnqueueRequest{
			CampaignID:     campaign,
			DomainID:       row.DomainID,
			SenderEmail:    row.Sender,
			RecipientEmail: row.Email,
			Subject:        row.Subject,
			Body:           row.Body,
			ScheduledAt:    row.ScheduledAt,
		})
		var verrs validator.ValidationErrors
		switch {
		case err == nil:
			res.TaskIDs = append(res.TaskIDs, id)
		case errors.As(err, &verrs):
			res.Skipped = append(res.Skipped, csvparser.RowError{Line: row.Line, Reason: "invalid: " + fieldList(verrs)})
		default:
			return err
		}
	}
	res.Enqueued = len(res.TaskIDs)

	h.Log.Info("campaign import",
		zap.Int64("campaign_id", campaign),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("skipped", len(res.Skipped)),
	)
	writeJSON(w, http.StatusAccepted, res)
	return nil
}

func importSource(r *http.Request) (io.ReadCloser, string, string, error) {
	q := r.URL.Query()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, q.Get("subject"), q.Get("body"), nil
	}

	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		return nil, "", "", errBadRequest("invalid multipart form", err)
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", errBadRequest("multipart form needs a file field", err)
	}
	subject, body := r.FormValue("subject"), r.FormValue("body")
	if subject == "" {
		subject = q.Get("subject")
	}
	if body == "" {
		body = q.Get("body")
	}
	return f, subject, body, nil
}

func fieldList(verrs validator.ValidationErrors) string {
	fields := models.ValidationFields(verrs)
	parts := make([]string, 0, len(fields))
	for _, field := range slices.Sorted(maps.Keys(fields)) {
		parts = append(parts, field+" ("+strings.Join(fields[field], ",")+")")
	}
	return strings.Join(parts, ", ")
}
