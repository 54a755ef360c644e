package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/api/middleware"
	"github.com/dimagi/casecore/internal/api/rest/dto"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/projector"
	"github.com/dimagi/casecore/internal/restore"
	"github.com/dimagi/casecore/internal/syncstate"
)

// Handler defines the interface for REST API handlers
//
//go:generate mockgen -source=handler.go -destination=../../mocks/api_handler.go -package=mocks -mock_names=Handler=MockAPIHandler
type Handler interface {
	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)

	// SubmitForm receives a form as raw XML or multipart with xml_submission_file
	// POST /a/:domain/receiver
	SubmitForm(c *gin.Context)

	// Restore builds and commits an OTA restore for a device
	// GET /a/:domain/phone/restore?device_id=<id>&since=<restore_id>&overwrite_cache=<bool>
	Restore(c *gin.Context)

	// RegisterDevice registers a device and its owners
	// POST /api/v1/domains/:domain/devices
	RegisterDevice(c *gin.Context)

	// ResetDevice discards the sync state of a device so its next restore is full
	// POST /api/v1/devices/:device_id/reset
	ResetDevice(c *gin.Context)

	// GetCase returns the current projection of a case
	// GET /api/v1/cases/:case_id
	GetCase(c *gin.Context)

	// RebuildCase replays a case from its full transaction log
	// POST /api/v1/cases/:case_id/rebuild
	RebuildCase(c *gin.Context)

	// GetCaseLedger returns the balances of a case
	// GET /api/v1/cases/:case_id/ledger
	GetCaseLedger(c *gin.Context)

	// RebuildCaseLedger replays every ledger key of a case
	// POST /api/v1/cases/:case_id/ledger/rebuild
	RebuildCaseLedger(c *gin.Context)

	// GetForm returns a form and its operation history
	// GET /api/v1/forms/:form_id
	GetForm(c *gin.Context)

	// ArchiveForm archives a form
	// POST /api/v1/forms/:form_id/archive
	ArchiveForm(c *gin.Context)

	// UnarchiveForm restores an archived form
	// POST /api/v1/forms/:form_id/unarchive
	UnarchiveForm(c *gin.Context)

	// EditForm replaces a form with the XML in the request body
	// POST /api/v1/forms/:form_id/edit?user_id=<id>
	EditForm(c *gin.Context)

	// DeleteForm soft deletes a form
	// DELETE /api/v1/forms/:form_id
	DeleteForm(c *gin.Context)

	// GetCleanliness reports whether an owner's case set is self-contained
	// GET /api/v1/domains/:domain/owners/:owner_id/cleanliness?force=<bool>
	GetCleanliness(c *gin.Context)
}

// STALE_PROJECTION_HEADER marks a case served from its last good projection after a rebuild timed out
const STALE_PROJECTION_HEADER = "X-Projection-Stale"

// Services are the engine components behind the API
type Services struct {
	Forms       forms.Service
	Projector   projector.Projector
	Ledger      ledger.Engine
	Cleanliness cleanliness.Checker
	Sync        syncstate.Tracker
	Restore     restore.Builder
}

// handler implements the Handler interface
type handler struct {
	debug    bool
	services Services
}

// NewHandler creates a new REST API handler
func NewHandler(debug bool, services Services) Handler {
	return &handler{
		debug:    debug,
		services: services,
	}
}

func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "casecore-api",
	})
}

func (h *handler) SubmitForm(c *gin.Context) {
	domainName := c.Param("domain")

	raw, attachments, err := readSubmission(c)
	if err != nil {
		respondOpenRosa(c, http.StatusBadRequest, natureSubmitError, "Failed to read submission")
		return
	}
	if len(raw) == 0 {
		respondOpenRosa(c, http.StatusBadRequest, natureSubmitError, "Missing form XML")
		return
	}

	result, err := h.services.Forms.Submit(c.Request.Context(), forms.SubmitInput{
		Domain:      domainName,
		Raw:         raw,
		Attachments: attachments,
		AuthUserID:  middleware.Subject(c),
	})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedSubmission) {
			logger.WarnCtx(c.Request.Context(), "Rejected submission", zap.String("domain", domainName), zap.Error(err))
			respondOpenRosa(c, http.StatusUnprocessableEntity, natureProcessingFailure, err.Error())
			return
		}
		logger.ErrorCtx(c.Request.Context(), err, zap.String("domain", domainName))
		respondOpenRosa(c, http.StatusInternalServerError, natureSubmitError, "Submission could not be processed")
		return
	}

	c.Header("X-Form-ID", result.FormID)
	respondOpenRosa(c, http.StatusCreated, natureSubmitSuccess, submissionMessage(result.Status))
}

func (h *handler) Restore(c *gin.Context) {
	domainName := c.Param("domain")
	deviceID := c.Query("device_id")
	if deviceID == "" {
		respondBadRequest(c, "device_id is required")
		return
	}

	full, err := parseBool(c.Query("overwrite_cache"))
	if err != nil {
		respondValidationError(c, "overwrite_cache must be a boolean")
		return
	}

	ctx := c.Request.Context()
	device, err := h.services.Sync.Device(ctx, deviceID)
	if err != nil {
		respondError(c, err, "Failed to load device", zap.String("deviceID", deviceID))
		return
	}
	if device.Domain != domainName {
		respondError(c, domain.ErrDeviceNotFound, "Device is not registered in this domain", zap.String("deviceID", deviceID))
		return
	}

	set, err := h.services.Restore.BuildRestoreSet(ctx, restore.Request{
		DeviceID: deviceID,
		Since:    c.Query("since"),
		Full:     full,
	})
	if err != nil {
		respondError(c, err, "Failed to build restore", zap.String("deviceID", deviceID))
		return
	}

	payload, err := restore.Render(set)
	if err != nil {
		respondError(c, err, "Failed to render restore", zap.String("deviceID", deviceID))
		return
	}

	// the checkpoint is stored before the payload leaves so the next since token resolves
	if _, err := h.services.Restore.Commit(ctx, set); err != nil {
		respondError(c, err, "Failed to commit restore", zap.String("deviceID", deviceID))
		return
	}

	c.Header(OPENROSA_VERSION_HEADER, OPENROSA_VERSION)
	c.Data(http.StatusOK, "text/xml; charset=utf-8", payload)
}

func (h *handler) RegisterDevice(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	device := syncstate.Device{
		ID:       req.DeviceID,
		Domain:   c.Param("domain"),
		UserID:   req.UserID,
		AppID:    req.AppID,
		OwnerIDs: req.OwnerIDs,
	}
	if err := h.services.Sync.RegisterDevice(c.Request.Context(), device); err != nil {
		respondError(c, err, "Failed to register device", zap.String("deviceID", req.DeviceID))
		return
	}

	registered, err := h.services.Sync.Device(c.Request.Context(), req.DeviceID)
	if err != nil {
		respondError(c, err, "Failed to load device", zap.String("deviceID", req.DeviceID))
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (h *handler) ResetDevice(c *gin.Context) {
	deviceID := c.Param("device_id")
	if err := h.services.Sync.Reset(c.Request.Context(), deviceID); err != nil {
		respondError(c, err, "Failed to reset device", zap.String("deviceID", deviceID))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) GetCase(c *gin.Context) {
	caseID := c.Param("case_id")
	state, err := h.services.Projector.Project(c.Request.Context(), caseID)
	if errors.Is(err, domain.ErrRebuildTimeout) && state != nil {
		// the last good projection is served while the rebuild is retried in the background
		logger.WarnCtx(c.Request.Context(), "Serving stale projection", zap.String("caseID", caseID), zap.Error(err))
		c.Header(STALE_PROJECTION_HEADER, "true")
		c.JSON(http.StatusOK, state)
		return
	}
	if err != nil {
		respondError(c, err, "Failed to project case", zap.String("caseID", caseID))
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) RebuildCase(c *gin.Context) {
	caseID := c.Param("case_id")

	var req dto.RebuildCaseRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondValidationError(c, err.Error())
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = middleware.Subject(c)
	}

	state, err := h.services.Projector.Rebuild(c.Request.Context(), caseID, userID)
	if err != nil {
		respondError(c, err, "Failed to rebuild case", zap.String("caseID", caseID))
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) GetCaseLedger(c *gin.Context) {
	caseID := c.Param("case_id")
	values, err := h.services.Ledger.Values(c.Request.Context(), caseID)
	if err != nil {
		respondError(c, err, "Failed to get ledger", zap.String("caseID", caseID))
		return
	}
	c.JSON(http.StatusOK, dto.MapLedgerToDTO(caseID, values))
}

func (h *handler) RebuildCaseLedger(c *gin.Context) {
	caseID := c.Param("case_id")
	values, err := h.services.Ledger.Rebuild(c.Request.Context(), caseID)
	if err != nil {
		respondError(c, err, "Failed to rebuild ledger", zap.String("caseID", caseID))
		return
	}
	c.JSON(http.StatusOK, dto.MapLedgerToDTO(caseID, values))
}

func (h *handler) GetForm(c *gin.Context) {
	formID := c.Param("form_id")
	ctx := c.Request.Context()

	form, err := h.services.Forms.Get(ctx, formID)
	if err != nil {
		respondError(c, err, "Failed to get form", zap.String("formID", formID))
		return
	}
	ops, err := h.services.Forms.Operations(ctx, formID)
	if err != nil {
		respondError(c, err, "Failed to get form operations", zap.String("formID", formID))
		return
	}
	c.JSON(http.StatusOK, dto.MapFormToDTO(form, ops))
}

func (h *handler) ArchiveForm(c *gin.Context) {
	h.setArchived(c, true)
}

func (h *handler) UnarchiveForm(c *gin.Context) {
	h.setArchived(c, false)
}

func (h *handler) setArchived(c *gin.Context, archive bool) {
	formID := c.Param("form_id")

	var req dto.FormActionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondValidationError(c, err.Error())
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = middleware.Subject(c)
	}

	ctx := c.Request.Context()
	action := h.services.Forms.Unarchive
	if archive {
		action = h.services.Forms.Archive
	}
	if err := action(ctx, formID, userID); err != nil {
		respondError(c, err, "Failed to change form state", zap.String("formID", formID), zap.Bool("archive", archive))
		return
	}

	h.respondForm(c, formID)
}

func (h *handler) EditForm(c *gin.Context) {
	formID := c.Param("form_id")

	raw, attachments, err := readSubmission(c)
	if err != nil || len(raw) == 0 {
		respondBadRequest(c, "Form XML is required")
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		userID = middleware.Subject(c)
	}

	result, err := h.services.Forms.Edit(c.Request.Context(), formID, forms.EditInput{
		Raw:         raw,
		Attachments: attachments,
		UserID:      userID,
	})
	if err != nil {
		respondError(c, err, "Failed to edit form", zap.String("formID", formID))
		return
	}

	c.JSON(http.StatusOK, dto.SubmissionResponse{
		FormID:  result.FormID,
		Status:  result.Status,
		CaseIDs: result.CaseIDs,
	})
}

func (h *handler) DeleteForm(c *gin.Context) {
	formID := c.Param("form_id")

	var req dto.DeleteFormRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondValidationError(c, err.Error())
		return
	}

	if err := h.services.Forms.Delete(c.Request.Context(), formID, req.DeletionID); err != nil {
		respondError(c, err, "Failed to delete form", zap.String("formID", formID))
		return
	}

	h.respondForm(c, formID)
}

func (h *handler) GetCleanliness(c *gin.Context) {
	domainName := c.Param("domain")
	ownerID := c.Param("owner_id")

	force, err := parseBool(c.Query("force"))
	if err != nil {
		respondValidationError(c, "force must be a boolean")
		return
	}

	ctx := c.Request.Context()
	if force {
		flag, err := h.services.Cleanliness.ForceFullCheck(ctx, domainName, ownerID)
		if err != nil {
			respondError(c, err, "Failed to check cleanliness", zap.String("ownerID", ownerID))
			return
		}
		c.JSON(http.StatusOK, dto.MapCleanlinessToDTO(flag))
		return
	}

	c.JSON(http.StatusOK, dto.CleanlinessResponse{
		Domain:  domainName,
		OwnerID: ownerID,
		IsClean: h.services.Cleanliness.IsClean(ctx, domainName, ownerID),
	})
}

func (h *handler) respondForm(c *gin.Context, formID string) {
	ctx := c.Request.Context()
	form, err := h.services.Forms.Get(ctx, formID)
	if err != nil {
		respondError(c, err, "Failed to get form", zap.String("formID", formID))
		return
	}
	ops, err := h.services.Forms.Operations(ctx, formID)
	if err != nil {
		respondError(c, err, "Failed to get form operations", zap.String("formID", formID))
		return
	}
	c.JSON(http.StatusOK, dto.MapFormToDTO(form, ops))
}

// bindOptionalJSON binds a JSON body when one was sent
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(obj)
}

func parseBool(value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}
