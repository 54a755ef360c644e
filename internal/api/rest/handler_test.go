package rest

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/api/middleware"
	"github.com/dimagi/casecore/internal/api/rest/dto"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/projector"
	"github.com/dimagi/casecore/internal/restore"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
	"github.com/dimagi/casecore/internal/store/storetest"
	"github.com/dimagi/casecore/internal/syncstate"
)

const testAPIKey = "test-key"

type HandlerTestSuite struct {
	suite.Suite
	router *gin.Engine
	db     *gorm.DB
	cache  *cleanliness.Cache
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	s.db = storetest.OpenDB(s.T())
	st := store.NewPGStore(s.db)
	locker := locks.NewKeyedLocker()
	clock := storetest.NewStepClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	json := adapter.NewJSON()
	ids := adapter.NewIDGenerator()

	s.cache = cleanliness.New(cleanliness.Config{PoolSize: 1}, st, clock)
	proj := projector.New(projector.Config{}, st, locker, json, clock, nil, s.cache)
	tracker := syncstate.NewTracker(st, json, clock)

	ledgers := ledger.New(ledger.Config{}, st, locker, clock)

	services := Services{
		Forms: forms.NewService(forms.Config{}, st, blob.NewMemoryStore(),
			processor.NewDefaultRegistry(json), locker, proj, clock, ids),
		Projector:   proj,
		Ledger:      ledgers,
		Cleanliness: s.cache,
		Sync:        tracker,
		Restore:     restore.NewBuilder(st, proj, ledgers, s.cache, tracker, ids),
	}

	s.router = gin.New()
	SetupRoutes(s.router, NewHandler(false, services), middleware.AuthConfig{APIKeys: []string{testAPIKey}})
}

func (s *HandlerTestSuite) TearDownTest() {
	s.cache.Close()
}

func (s *HandlerTestSuite) do(method, path string, body []byte, contentType string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if admin {
		req.Header.Set("Authorization", "ApiKey "+testAPIKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerTestSuite) submit(instanceID string, blocks ...string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/a/demo/receiver", storetest.FormXML(instanceID, "u1", blocks...), "text/xml", false)
}

func (s *HandlerTestSuite) registerDevice() {
	body, _ := json.Marshal(dto.RegisterDeviceRequest{DeviceID: "d1", UserID: "u1", OwnerIDs: []string{"o1"}})
	w := s.do(http.MethodPost, "/api/v1/domains/demo/devices", body, "application/json", true)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
}

func (s *HandlerTestSuite) TestHealthCheck() {
	w := s.do(http.MethodGet, "/health", nil, "", false)
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"status":"ok","service":"casecore-api"}`, w.Body.String())
}

func (s *HandlerTestSuite) TestMetricsEndpoint() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	w := s.do(http.MethodGet, "/metrics", nil, "", false)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "casecore_submissions_total")
}

func (s *HandlerTestSuite) TestSubmitForm() {
	w := s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	s.Equal(http.StatusCreated, w.Code)
	s.Equal(OPENROSA_VERSION, w.Header().Get(OPENROSA_VERSION_HEADER))
	s.Equal("f1", w.Header().Get("X-Form-ID"))
	s.Contains(w.Body.String(), `nature="submit_success"`)

	// resubmitting the same payload is accepted as a duplicate
	w = s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	s.Equal(http.StatusCreated, w.Code)
	s.Contains(w.Body.String(), "Form is a duplicate")
}

func (s *HandlerTestSuite) TestSubmitMalformed() {
	w := s.do(http.MethodPost, "/a/demo/receiver", []byte("<data><unclosed></data>"), "text/xml", false)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Contains(w.Body.String(), `nature="processing_failure"`)

	w = s.do(http.MethodPost, "/a/demo/receiver", nil, "text/xml", false)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HandlerTestSuite) TestSubmitMultipart() {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(XML_SUBMISSION_FILE, "form.xml")
	s.Require().NoError(err)
	_, err = part.Write(storetest.FormXML("f-mp", "u1", storetest.CreateCase("c1", "patient", "Asha", "o1")))
	s.Require().NoError(err)
	photo, err := mw.CreateFormFile("photo.jpg", "photo.jpg")
	s.Require().NoError(err)
	_, err = photo.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	s.Require().NoError(err)
	s.Require().NoError(mw.Close())

	w := s.do(http.MethodPost, "/a/demo/receiver", body.Bytes(), mw.FormDataContentType(), false)
	s.Equal(http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/cases/c1", nil, "", true)
	s.Equal(http.StatusOK, w.Code)
}

func (s *HandlerTestSuite) TestAdminRequiresAuth() {
	w := s.do(http.MethodGet, "/api/v1/cases/c1", nil, "", false)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerTestSuite) TestGetCase() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	s.submit("f2", storetest.UpdateCase("c1", map[string]string{"age": "31"}))

	w := s.do(http.MethodGet, "/api/v1/cases/c1", nil, "", true)
	s.Require().Equal(http.StatusOK, w.Code)

	var state domain.CaseState
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &state))
	s.Equal("Asha", state.Name)
	s.Equal("31", state.Extra["age"])
	s.Equal([]string{"f1", "f2"}, state.FormIDs)

	w = s.do(http.MethodGet, "/api/v1/cases/missing", nil, "", true)
	s.Equal(http.StatusNotFound, w.Code)
	s.Contains(w.Body.String(), `"code":"not_found"`)
}

func (s *HandlerTestSuite) TestRebuildCase() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	w := s.do(http.MethodPost, "/api/v1/cases/c1/rebuild", []byte(`{"user_id":"admin"}`), "application/json", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var state domain.CaseState
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &state))
	s.Equal("c1", state.CaseID)
}

func (s *HandlerTestSuite) TestCaseLedger() {
	s.submit("f1",
		storetest.CreateCase("c1", "supply-point", "Clinic", "o1"),
		storetest.Balance("c1", "stock", "aspirin", 20))
	s.submit("f2", storetest.Transfer("c1", "", "stock", "aspirin", 5))

	w := s.do(http.MethodGet, "/api/v1/cases/c1/ledger", nil, "", true)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp dto.LedgerResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().Len(resp.Values, 1)
	s.Equal(int64(15), resp.Values[0].Balance)
	s.Equal("aspirin", resp.Values[0].EntryID)

	w = s.do(http.MethodPost, "/api/v1/cases/c1/ledger/rebuild", nil, "", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().Len(resp.Values, 1)
	s.Equal(int64(15), resp.Values[0].Balance)
}

func (s *HandlerTestSuite) TestCaseLedgerInconsistent() {
	s.submit("f1",
		storetest.CreateCase("c1", "supply-point", "Clinic", "o1"),
		storetest.Balance("c1", "stock", "aspirin", 20))
	s.Require().NoError(s.db.Model(&schema.LedgerValue{}).Where("case_id = ?", "c1").
		Update("balance", 25).Error)

	w := s.do(http.MethodGet, "/api/v1/cases/c1/ledger", nil, "", true)
	s.Equal(http.StatusConflict, w.Code, w.Body.String())
	s.Contains(w.Body.String(), "ledger_inconsistency")
}

func (s *HandlerTestSuite) TestArchiveAndUnarchiveForm() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))
	s.submit("f2", storetest.UpdateCase("c1", map[string]string{"age": "31"}))

	w := s.do(http.MethodPost, "/api/v1/forms/f2/archive", []byte(`{"user_id":"admin"}`), "application/json", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var form dto.FormResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &form))
	s.Equal(domain.FormStateArchived, form.State)
	s.Require().NotEmpty(form.Operations)
	s.Equal(domain.FormOperationArchive, form.Operations[len(form.Operations)-1].Operation)

	w = s.do(http.MethodGet, "/api/v1/cases/c1", nil, "", true)
	var state domain.CaseState
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &state))
	s.NotContains(state.Extra, "age")

	w = s.do(http.MethodPost, "/api/v1/forms/f2/unarchive", nil, "", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &form))
	s.Equal(domain.FormStateNormal, form.State)

	w = s.do(http.MethodPost, "/api/v1/forms/missing/archive", nil, "", true)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerTestSuite) TestEditForm() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	edited := storetest.FormXML("f1", "u1", storetest.CreateCase("c1", "patient", "Asha Otieno", "o1"))
	w := s.do(http.MethodPost, "/api/v1/forms/f1/edit?user_id=admin", edited, "text/xml", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var resp dto.SubmissionResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal(domain.SubmissionStatusEdit, resp.Status)
	s.NotEqual("f1", resp.FormID)

	w = s.do(http.MethodGet, "/api/v1/forms/f1", nil, "", true)
	var form dto.FormResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &form))
	s.Equal(domain.FormStateDeprecated, form.State)

	w = s.do(http.MethodGet, "/api/v1/cases/c1", nil, "", true)
	var state domain.CaseState
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &state))
	s.Equal("Asha Otieno", state.Name)
}

func (s *HandlerTestSuite) TestDeleteForm() {
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	w := s.do(http.MethodDelete, "/api/v1/forms/f1", []byte(`{"deletion_id":"del-1"}`), "application/json", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var form dto.FormResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &form))
	s.Equal(domain.FormStateDeleted, form.State)
	s.NotNil(form.DeletedOn)

	// a deleted form cannot be archived
	w = s.do(http.MethodPost, "/api/v1/forms/f1/archive", nil, "", true)
	s.Equal(http.StatusConflict, w.Code)
}

func (s *HandlerTestSuite) TestGetCleanliness() {
	s.submit("f1", storetest.CreateCase("hh-1", "household", "Home", "o1"))
	s.submit("f2",
		storetest.CreateCase("c1", "patient", "Asha", "o2"),
		storetest.IndexCase("c1", "parent", "household", "hh-1", "child"))

	w := s.do(http.MethodGet, "/api/v1/domains/demo/owners/o1/cleanliness?force=true", nil, "", true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var resp dto.CleanlinessResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.False(resp.IsClean)
	s.Equal("c1", resp.Hint)
	s.NotNil(resp.LastChecked)

	w = s.do(http.MethodGet, "/api/v1/domains/demo/owners/o2/cleanliness?force=true", nil, "", true)
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.True(resp.IsClean)

	w = s.do(http.MethodGet, "/api/v1/domains/demo/owners/o2/cleanliness?force=maybe", nil, "", true)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
}

func (s *HandlerTestSuite) TestRestore() {
	s.registerDevice()
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	w := s.do(http.MethodGet, "/a/demo/phone/restore?device_id=d1", nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Contains(w.Body.String(), `case_id="c1"`)

	restoreID := between(w.Body.String(), "<restore_id>", "</restore_id>")
	s.Require().NotEmpty(restoreID)

	// nothing changed since the last restore
	w = s.do(http.MethodGet, "/a/demo/phone/restore?device_id=d1&since="+restoreID, nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.NotContains(w.Body.String(), `case_id="c1"`)
	s.Contains(w.Body.String(), `items="0"`)

	w = s.do(http.MethodGet, "/a/demo/phone/restore?device_id=d1&overwrite_cache=true", nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Contains(w.Body.String(), `case_id="c1"`)
}

func (s *HandlerTestSuite) TestRestoreUnknownDevice() {
	w := s.do(http.MethodGet, "/a/demo/phone/restore?device_id=nope", nil, "", false)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/a/demo/phone/restore", nil, "", false)
	s.Equal(http.StatusBadRequest, w.Code)

	s.registerDevice()
	w = s.do(http.MethodGet, "/a/other/phone/restore?device_id=d1", nil, "", false)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerTestSuite) TestResetDevice() {
	s.registerDevice()
	s.submit("f1", storetest.CreateCase("c1", "patient", "Asha", "o1"))

	w := s.do(http.MethodGet, "/a/demo/phone/restore?device_id=d1", nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code)
	restoreID := between(w.Body.String(), "<restore_id>", "</restore_id>")

	w = s.do(http.MethodPost, "/api/v1/devices/d1/reset", nil, "", true)
	s.Equal(http.StatusNoContent, w.Code)

	// after a reset the old token no longer resolves and the restore is full
	w = s.do(http.MethodGet, "/a/demo/phone/restore?device_id=d1&since="+restoreID, nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `case_id="c1"`)
}

func (s *HandlerTestSuite) TestRegisterDeviceValidation() {
	w := s.do(http.MethodPost, "/api/v1/domains/demo/devices", []byte(`{"user_id":"u1"}`), "application/json", true)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
