package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"faceexam/internal/apperr"
	"faceexam/internal/attendance"
	"faceexam/internal/faceclient"
)

// writeError renders err as the JSON error body of its kind.
func (h *handler) writeError(c *gin.Context, err error) {
	var (
		vErrs  validator.ValidationErrors
		denied *attendance.Denied
		ae     *apperr.Error
	)
	switch {
	case errors.As(err, &vErrs):
		fields := make(map[string]string, len(vErrs))
		for _, fe := range vErrs {
			fields[fe.Field()] = translate(fe)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": fields})
	case errors.As(err, &denied):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":       messageOf(err),
			"similarity":  denied.Similarity,
			"status":      denied.Status,
			"studentName": denied.StudentName,
		})
	case errors.Is(err, faceclient.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": faceclient.ErrInvalidImage.Error()})
	case errors.Is(err, faceclient.ErrOracleUnavailable):
		h.log.Error("recognition oracle failure", err, map[string]interface{}{"path": c.FullPath()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recognition service error", "details": err.Error()})
	case errors.As(err, &ae) && ae.Kind != apperr.Internal:
		body := gin.H{"error": ae.Message}
		if len(ae.Fields) > 0 {
			fields := make(map[string]string, len(ae.Fields))
			for _, f := range ae.Fields {
				fields[f.Field] = f.Error
			}
			body["fields"] = fields
		}
		c.JSON(ae.Kind.HTTPStatus(), body)
	default:
		h.log.Error("request failed", err, map[string]interface{}{"path": c.FullPath()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "details": err.Error()})
	}
}

func messageOf(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

// bindJSON decodes the body into req, answering 400 on failure.
func (h *handler) bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			h.writeError(c, vErrs)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body", "details": err.Error()})
		}
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints whose body may be omitted.
func (h *handler) bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			h.writeError(c, vErrs)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body", "details": err.Error()})
		}
		return false
	}
	return true
}
