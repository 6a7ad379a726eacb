package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/nfe-service/internal/model"
)

const redacted = "[REDACTED]"

// httpStatus maps an error kind to a response status
func httpStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	switch model.KindOf(err) {
	case model.KindValidation, model.KindRouting:
		return http.StatusBadRequest
	case model.KindCertificate, model.KindAuthorityRejection:
		return http.StatusUnprocessableEntity
	case model.KindInvalidCursor:
		return http.StatusConflict
	case model.KindTransmission:
		return http.StatusBadGateway
	case model.KindAuthorityUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the response for err. Every secret is replaced before
// the message leaves the process.
func errorBody(err error, secrets ...string) ErrorResponse {
	body := ErrorResponse{
		Kind:  string(model.KindOf(err)),
		Error: scrub(err.Error(), secrets...),
	}

	var verr *model.ValidationError
	var rej *model.AuthorityRejection
	var cur *model.InvalidCursor
	var una *model.AuthorityUnavailable
	switch {
	case errors.As(err, &verr):
		body.Details = verr.Fields
	case errors.As(err, &rej):
		body.Details = gin.H{"code": rej.Code, "reason": rej.Reason, "access_key": rej.AccessKey}
		body.RawResponse = scrub(string(rej.Raw), secrets...)
	case errors.As(err, &cur):
		body.Details = gin.H{"cursor": cur.Cursor.String(), "max_nsu": cur.MaxNSU.String()}
	case errors.As(err, &una):
		if una.Code != 0 {
			body.Details = gin.H{"code": una.Code}
		}
	}
	return body
}

func scrub(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, redacted)
		}
	}
	return s
}

func abort(c *gin.Context, err error, secrets ...string) {
	c.AbortWithStatusJSON(httpStatus(err), errorBody(err, secrets...))
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Kind:  string(model.KindValidation),
		Error: msg,
	})
}
