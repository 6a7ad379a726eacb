package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/document"
	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/observability"
	"github.com/rezonia/nfe-service/internal/processor"
)

func (s *Server) handleEmit(c *gin.Context) {
	if s.deps.Pipeline == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Kind: string(model.KindInternal), Error: "emission unavailable"})
		return
	}

	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+scrub(err.Error(), req.Passphrase, req.Certificate))
		return
	}
	pfx, err := base64.StdEncoding.DecodeString(req.Certificate)
	if err != nil {
		badRequest(c, "certificate must be base64")
		return
	}
	req.Certificate = ""

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Minute)
	defer cancel()

	res := s.deps.Pipeline.Emit(ctx, processor.EmitRequest{
		Certificate: pfx,
		Passphrase:  req.Passphrase,
		Input: document.Input{
			Issuer:         req.Issuer,
			Recipient:      req.Recipient,
			Items:          req.Items,
			Payments:       req.Payments,
			Metadata:       req.Metadata,
			LastUsedNumber: req.LastUsedNumber,
		},
	})

	if res.Status == processor.StatusFailed {
		abort(c, res.Error, req.Passphrase)
		return
	}

	out := EmitResponse{
		Status:        string(res.Status),
		Code:          res.Code,
		Reason:        res.Reason,
		AccessKey:     res.AccessKey,
		Protocol:      res.Protocol,
		Number:        res.Number,
		Series:        res.Series,
		AuthorizedXML: string(res.AuthorizedXML),
		RawResponse:   scrub(string(res.RawResponse), req.Passphrase),
		Warnings:      res.Warnings,
		DurationMS:    res.Duration.Milliseconds(),
	}
	if !res.ReceivedAt.IsZero() {
		at := res.ReceivedAt
		out.ReceivedAt = &at
	}
	if len(res.DANFE) > 0 {
		out.DANFE = base64.StdEncoding.EncodeToString(res.DANFE)
	}

	if res.Status == processor.StatusRejected {
		out.Kind = string(model.KindAuthorityRejection)
		out.Error = scrub(res.Error.Error(), req.Passphrase)
		c.JSON(http.StatusUnprocessableEntity, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDistribution(c *gin.Context) {
	if s.deps.Synchronizer == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Kind: string(model.KindInternal), Error: "distribution unavailable"})
		return
	}

	var req DistributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+scrub(err.Error(), req.Passphrase, req.Certificate))
		return
	}
	cursor, err := model.ParseNSU(req.LastNSU)
	if err != nil {
		abort(c, model.NewValidationError("last_nsu", req.LastNSU, "nsu", err.Error()))
		return
	}
	var nsu model.NSU
	if req.NSU != "" {
		if nsu, err = model.ParseNSU(req.NSU); err != nil {
			abort(c, model.NewValidationError("nsu", req.NSU, "nsu", err.Error()))
			return
		}
	}
	pfx, err := base64.StdEncoding.DecodeString(req.Certificate)
	if err != nil {
		badRequest(c, "certificate must be base64")
		return
	}

	m, err := certificate.Load(pfx, req.Passphrase)
	if err != nil {
		abort(c, err, req.Passphrase)
		return
	}
	defer m.Destroy()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	dreq := distribution.Request{
		Party:       req.Party,
		UF:          req.UF,
		Environment: req.Environment,
		Cursor:      cursor,
		Material:    m,
	}

	var batch *model.DistributionBatch
	switch {
	case req.AccessKey != "":
		batch, err = s.deps.Synchronizer.QueryAccessKey(ctx, dreq, req.AccessKey)
	case req.NSU != "":
		batch, err = s.deps.Synchronizer.QueryNSU(ctx, dreq, nsu)
	default:
		batch, err = s.deps.Synchronizer.Query(ctx, dreq)
	}
	if err != nil {
		abort(c, err, req.Passphrase)
		return
	}

	stored := 0
	if s.deps.Cursors != nil && req.AccessKey == "" && req.NSU == "" {
		if stored, err = s.persist(ctx, batch); err != nil {
			s.logger.Error("failed to persist distribution batch",
				zap.String("request_id", observability.GetRequestID(c)),
				zap.String("cursor", batch.Cursor.String()),
				zap.Error(err),
			)
			abort(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, batchResponse(batch, stored))
}

// persist stores the batch, then moves the party's cursor past it
func (s *Server) persist(ctx context.Context, batch *model.DistributionBatch) (int, error) {
	stored := 0
	if len(batch.Documents) > 0 {
		n, err := s.deps.Cursors.StoreBatch(ctx, batch)
		if err != nil {
			return 0, err
		}
		stored = n
	}
	if batch.NextCursor > batch.Cursor {
		if err := s.deps.Cursors.AdvanceCursor(ctx, batch.Party, batch.Environment, batch.NextCursor, batch.MaxNSU); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func batchResponse(b *model.DistributionBatch, stored int) DistributionResponse {
	out := DistributionResponse{
		Status:     string(b.State),
		Code:       b.Code,
		Reason:     b.Reason,
		Cursor:     b.Cursor.String(),
		UltNSU:     b.UltNSU.String(),
		MaxNSU:     b.MaxNSU.String(),
		NextCursor: b.NextCursor.String(),
		Drained:    b.Drained(),
		Stored:     stored,
		Documents:  make([]DocumentOutput, 0, len(b.Documents)),
	}
	if !b.RespondedAt.IsZero() {
		at := b.RespondedAt
		out.RespondedAt = &at
	}
	for _, d := range b.Documents {
		out.Documents = append(out.Documents, DocumentOutput{
			NSU:       d.NSU.String(),
			Schema:    d.Schema,
			XMLBase64: base64.StdEncoding.EncodeToString(d.XML),
		})
	}
	return out
}
