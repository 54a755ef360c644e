package dto

import (
	"encoding/json"
	"time"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/store/schema"
)

// RegisterDeviceRequest registers a device and the owners it restores for
type RegisterDeviceRequest struct {
	DeviceID string   `json:"device_id" binding:"required"`
	UserID   string   `json:"user_id" binding:"required"`
	AppID    string   `json:"app_id"`
	OwnerIDs []string `json:"owner_ids"`
}

// FormActionRequest carries the acting user of an archive or unarchive
type FormActionRequest struct {
	UserID string `json:"user_id"`
}

// DeleteFormRequest carries the deletion id of a soft delete
type DeleteFormRequest struct {
	DeletionID string `json:"deletion_id"`
}

// RebuildCaseRequest carries the acting user of a rebuild
type RebuildCaseRequest struct {
	UserID string `json:"user_id"`
}

// SubmissionResponse is the JSON form of a submission outcome
type SubmissionResponse struct {
	FormID  string                  `json:"form_id"`
	Status  domain.SubmissionStatus `json:"status"`
	CaseIDs []string                `json:"case_ids"`
}

// FormResponse represents a stored form without its raw payload
type FormResponse struct {
	ID               string           `json:"id"`
	Domain           string           `json:"domain"`
	InstanceID       string           `json:"instance_id"`
	XMLNS            string           `json:"xmlns"`
	State            domain.FormState `json:"state"`
	OrigID           *string          `json:"orig_id,omitempty"`
	DeprecatedFormID *string          `json:"deprecated_form_id,omitempty"`
	SupersededByID   *string          `json:"superseded_by_id,omitempty"`
	UserID           string           `json:"user_id"`
	DeviceID         string           `json:"device_id,omitempty"`
	MD5              string           `json:"md5"`
	ReceivedOn       time.Time        `json:"received_on"`
	DeletedOn        *time.Time       `json:"deleted_on,omitempty"`
	Problem          *string          `json:"problem,omitempty"`

	Operations []FormOperationResponse `json:"operations,omitempty"`
}

// FormOperationResponse represents one entry of a form's audit history
type FormOperationResponse struct {
	Operation domain.FormOperationType `json:"operation"`
	UserID    string                   `json:"user_id,omitempty"`
	Date      time.Time                `json:"date"`
	Meta      json.RawMessage          `json:"meta,omitempty"`
}

// LedgerValueResponse represents a materialized balance
type LedgerValueResponse struct {
	CaseID             string    `json:"case_id"`
	SectionID          string    `json:"section_id"`
	EntryID            string    `json:"entry_id"`
	Balance            int64     `json:"balance"`
	DailyConsumption   *float64  `json:"daily_consumption"`
	LastModifiedFormID string    `json:"last_modified_form_id"`
	LastModified       time.Time `json:"last_modified"`
	LedgerError        bool      `json:"ledger_error"`
}

// LedgerResponse lists the balances of one case
type LedgerResponse struct {
	CaseID string                `json:"case_id"`
	Values []LedgerValueResponse `json:"values"`
}

// CleanlinessResponse is the cleanliness of one owner
type CleanlinessResponse struct {
	Domain      string     `json:"domain"`
	OwnerID     string     `json:"owner_id"`
	IsClean     bool       `json:"is_clean"`
	Hint        string     `json:"hint,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// MapFormToDTO maps a stored form and its history to the response type
func MapFormToDTO(form *schema.Form, ops []schema.FormOperation) *FormResponse {
	resp := &FormResponse{
		ID:               form.ID,
		Domain:           form.Domain,
		InstanceID:       form.InstanceID,
		XMLNS:            form.XMLNS,
		State:            form.State,
		OrigID:           form.OrigID,
		DeprecatedFormID: form.DeprecatedFormID,
		SupersededByID:   form.SupersededByID,
		UserID:           form.UserID,
		DeviceID:         form.DeviceID,
		MD5:              form.MD5,
		ReceivedOn:       form.ReceivedOn,
		DeletedOn:        form.DeletedOn,
		Problem:          form.Problem,
	}

	for _, op := range ops {
		item := FormOperationResponse{
			Operation: op.Operation,
			UserID:    op.UserID,
			Date:      op.Date,
		}
		if len(op.Meta) > 0 {
			item.Meta = json.RawMessage(op.Meta)
		}
		resp.Operations = append(resp.Operations, item)
	}
	return resp
}

// MapLedgerToDTO maps the balances of a case to the response type
func MapLedgerToDTO(caseID string, values []schema.LedgerValue) *LedgerResponse {
	resp := &LedgerResponse{CaseID: caseID, Values: make([]LedgerValueResponse, 0, len(values))}
	for _, v := range values {
		resp.Values = append(resp.Values, LedgerValueResponse{
			CaseID:             v.CaseID,
			SectionID:          v.SectionID,
			EntryID:            v.EntryID,
			Balance:            v.Balance,
			DailyConsumption:   v.DailyConsumption,
			LastModifiedFormID: v.LastModifiedFormID,
			LastModified:       v.LastModified,
			LedgerError:        v.LedgerError,
		})
	}
	return resp
}

// MapCleanlinessToDTO maps a cleanliness flag to the response type
func MapCleanlinessToDTO(flag *schema.CleanlinessFlag) *CleanlinessResponse {
	return &CleanlinessResponse{
		Domain:      flag.Domain,
		OwnerID:     flag.OwnerID,
		IsClean:     flag.IsClean,
		Hint:        flag.Hint,
		LastChecked: flag.LastChecked,
	}
}
