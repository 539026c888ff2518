package fusion

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// Document is one input to ProcessBatch. Labels, when set, replace the engine's model.
type Document struct {
	ID     string
	Page   entity.RawPage
	Labels []classify.Prediction
}

// Outcome is the result for the document at Index in the batch input.
type Outcome struct {
	Index      int
	DocumentID string
	Record     *entity.InvoiceRecord
	Err        error
}

// Kind is the stable error kind of the outcome, or "" on success.
func (o Outcome) Kind() string { return common.ErrorKind(o.Err) }

// ProcessBatch runs up to workers documents at a time. A failing document never affects
// the others; outcomes come back in input order.
func (e *Engine) ProcessBatch(ctx context.Context, docs []Document, workers int) []Outcome {
	if workers < 1 {
		workers = 1
	}
	start := time.Now()
	out := make([]Outcome, len(docs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, doc := range docs {
		g.Go(func() error {
			docCtx := common.WithDocumentID(ctx, doc.ID)
			var rec *entity.InvoiceRecord
			var err error
			if doc.Labels != nil {
				rec, err = e.ProcessPrelabeled(docCtx, doc.Page, doc.Labels)
			} else {
				rec, err = e.Process(docCtx, doc.Page)
			}
			if err != nil {
				e.logger.Warn("fusion.batch.doc_failed", "index", i, "document_id", doc.ID,
					"kind", common.ErrorKind(err), "error", err)
			}
			out[i] = Outcome{Index: i, DocumentID: doc.ID, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range out {
		if o.Err != nil {
			failed++
		}
	}
	e.logger.Info("fusion.batch.done", "documents", len(docs), "failed", failed, "workers", workers,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out
}
