package distribution

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/nfe-service/internal/model"
	xmlparser "github.com/rezonia/nfe-service/internal/parser/xml"
)

// Sink receives drained batches. Advance is called only after Store
// succeeded, so a failure between them re-delivers the batch.
type Sink interface {
	Store(ctx context.Context, batch *model.DistributionBatch) error
	Advance(ctx context.Context, batch *model.DistributionBatch) error
}

// CursorStore is the durable state behind StoreSink
type CursorStore interface {
	LoadCursor(ctx context.Context, party string, env model.Environment) (model.NSU, error)
	AdvanceCursor(ctx context.Context, party string, env model.Environment, next, max model.NSU) error
	StoreBatch(ctx context.Context, batch *model.DistributionBatch) (int, error)
}

type storeSink struct {
	store CursorStore
}

// StoreSink adapts a CursorStore to a Sink
func StoreSink(store CursorStore) Sink {
	return storeSink{store: store}
}

func (s storeSink) Store(ctx context.Context, batch *model.DistributionBatch) error {
	_, err := s.store.StoreBatch(ctx, batch)
	return err
}

func (s storeSink) Advance(ctx context.Context, batch *model.DistributionBatch) error {
	return s.store.AdvanceCursor(ctx, batch.Party, batch.Environment, batch.NextCursor, batch.MaxNSU)
}

// DrainResult summarizes a Drain
type DrainResult struct {
	Party     string                   `json:"party"`
	Batches   int                      `json:"batches"`
	Documents int                      `json:"documents"`
	Cursor    model.NSU                `json:"cursor"`
	MaxNSU    model.NSU                `json:"max_nsu"`
	Drained   bool                     `json:"drained"`
	Last      *model.DistributionBatch `json:"-"`
}

// Drain queries from req.Cursor until the party is drained, storing each
// batch before advancing the cursor.
func (s *Synchronizer) Drain(ctx context.Context, req Request, sink Sink) (*DrainResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, req.key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &DrainResult{Party: model.OnlyDigits(req.Party), Cursor: req.Cursor}
	for res.Batches < s.cfg.MaxBatches {
		batch, err := s.query(ctx, req)
		if err != nil {
			return res, err
		}
		res.Last = batch
		res.MaxNSU = batch.MaxNSU

		if len(batch.Documents) > 0 {
			if err := sink.Store(ctx, batch); err != nil {
				return res, fmt.Errorf("store batch at %s: %w", batch.Cursor, err)
			}
		}
		if batch.NextCursor > req.Cursor {
			if err := sink.Advance(ctx, batch); err != nil {
				return res, fmt.Errorf("advance cursor to %s: %w", batch.NextCursor, err)
			}
		}

		res.Batches++
		res.Documents += len(batch.Documents)
		res.Cursor = batch.NextCursor

		if batch.State == model.DistributionEmpty || batch.Drained() || batch.NextCursor == req.Cursor {
			res.Drained = batch.Drained() || batch.State == model.DistributionEmpty
			return res, nil
		}
		req.Cursor = batch.NextCursor
	}

	s.logger.Info("distribution drain stopped at batch limit",
		zap.String("party", req.Party),
		zap.Int("batches", res.Batches),
		zap.String("cursor", res.Cursor.String()),
	)
	return res, nil
}

// SyncAll drains every request concurrently, each from its stored cursor.
// The first failure cancels the remaining parties.
func (s *Synchronizer) SyncAll(ctx context.Context, reqs []Request, store CursorStore) ([]*DrainResult, error) {
	results := make([]*DrainResult, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			cursor, err := store.LoadCursor(ctx, model.OnlyDigits(req.Party), req.Environment)
			if err != nil {
				return fmt.Errorf("load cursor for %s: %w", req.Party, err)
			}
			req.Cursor = cursor
			res, err := s.Drain(ctx, req, StoreSink(store))
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Decode turns the documents of a batch into summaries. Documents no
// decoder understands are logged and skipped.
func (s *Synchronizer) Decode(ctx context.Context, registry *xmlparser.Registry, batch *model.DistributionBatch) []*xmlparser.Summary {
	out := make([]*xmlparser.Summary, 0, len(batch.Documents))
	for _, doc := range batch.Documents {
		sum, err := registry.DecodeDocument(ctx, doc)
		if err != nil {
			s.logger.Warn("undecodable distributed document",
				zap.String("nsu", doc.NSU.String()),
				zap.String("schema", doc.Schema),
				zap.Error(err),
			)
			continue
		}
		out = append(out, sum)
	}
	return out
}
