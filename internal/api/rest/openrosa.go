package rest

import (
	"bytes"
	"encoding/xml"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/forms"
)

const (
	OPENROSA_VERSION_HEADER = "X-OpenRosa-Version"
	OPENROSA_VERSION        = "1.0"
	XML_SUBMISSION_FILE     = "xml_submission_file"

	natureSubmitSuccess     = "submit_success"
	natureProcessingFailure = "processing_failure"
	natureSubmitError       = "submit_error"
)

type receiverResponse struct {
	XMLName xml.Name        `xml:"OpenRosaResponse"`
	XMLNS   string          `xml:"xmlns,attr"`
	Message receiverMessage `xml:"message"`
}

type receiverMessage struct {
	Nature string `xml:"nature,attr"`
	Text   string `xml:",chardata"`
}

// respondOpenRosa writes an OpenRosa message envelope
func respondOpenRosa(c *gin.Context, status int, nature string, text string) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(receiverResponse{
		XMLNS:   domain.OPENROSA_RESPONSE_XMLNS,
		Message: receiverMessage{Nature: nature, Text: text},
	}); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header(OPENROSA_VERSION_HEADER, OPENROSA_VERSION)
	c.Data(status, "text/xml; charset=utf-8", buf.Bytes())
}

func submissionMessage(status domain.SubmissionStatus) string {
	switch status {
	case domain.SubmissionStatusDuplicate:
		return "Form is a duplicate"
	case domain.SubmissionStatusDeviceLog:
		return "Device log received"
	}
	return "   √   "
}

// readSubmission extracts the form XML and its attachments from a raw or multipart request
func readSubmission(c *gin.Context) ([]byte, []forms.Attachment, error) {
	if c.ContentType() != "multipart/form-data" {
		raw, err := c.GetRawData()
		return raw, nil, err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}

	var raw []byte
	var attachments []forms.Attachment
	for field, headers := range form.File {
		for _, fh := range headers {
			data, err := readPart(fh)
			if err != nil {
				return nil, nil, err
			}
			if field == XML_SUBMISSION_FILE {
				raw = data
				continue
			}
			attachments = append(attachments, forms.Attachment{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	return raw, attachments, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
