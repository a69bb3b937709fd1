// Package docops applies batches of document actions to an inverted
// index and its vector store in lockstep. Text-index writes are staged
// into a single batch and committed once; vector writes follow a
// successful commit in action order. Success is independent per item.
package docops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

// Action types accepted in a document batch.
const (
	ActionUpload        = "upload"
	ActionMerge         = "merge"
	ActionMergeOrUpload = "mergeOrUpload"
	ActionDelete        = "delete"
)

// Action is a single entry of a document batch: the action type plus the
// document body. The body must carry the index's key field.
type Action struct {
	Type string
	Doc  map[string]any
}

// ItemResult is the per-document outcome of one action.
type ItemResult struct {
	Key          string `json:"key"`
	Status       bool   `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	StatusCode   int    `json:"statusCode"`
}

// AnySucceeded reports whether at least one item of the batch was applied.
func AnySucceeded(results []ItemResult) bool {
	for i := range results {
		if results[i].Status {
			return true
		}
	}
	return false
}

type vecOp struct {
	del   bool
	field string
	key   string
	vec   []float32
}

type applier struct {
	ctx     context.Context
	ix      *invindex.Index
	def     *schema.Index
	batch   *invindex.Batch
	vecOps  []vecOp
	staged  map[string]bool
	live    int64
	maxDocs int64
}

// Apply runs a batch of actions against an index. vecs may be nil when the
// index declares no vector fields. When maxDocs is positive, actions that
// would grow the index past it fail per-item with a 503 status.
//
// Merges read committed state only: a merge cannot observe an upload staged
// earlier in the same batch.
func Apply(ctx context.Context, ix *invindex.Index, vecs *vectorstore.IndexVectors, actions []Action, maxDocs int64) []ItemResult {
	a := &applier{
		ctx:     ctx,
		ix:      ix,
		def:     ix.Definition(),
		batch:   ix.NewBatch(),
		staged:  make(map[string]bool),
		maxDocs: maxDocs,
	}

	results := make([]ItemResult, len(actions))

	if maxDocs > 0 {
		n, err := ix.Count(ctx)
		if err != nil {
			countErr := apperr.Internal(err, "count documents")
			for i := range actions {
				results[i].Key, _ = a.def.DocumentKey(actions[i].Doc)
				fail(&results[i], countErr)
			}
			return results
		}
		a.live = int64(n)
	}

	for i := range actions {
		res := &results[i]
		key, err := a.def.DocumentKey(actions[i].Doc)
		if err != nil {
			fail(res, err)
			continue
		}
		res.Key = key

		switch actions[i].Type {
		case ActionUpload:
			err = a.upload(key, actions[i].Doc, res)
		case ActionMerge:
			err = a.merge(key, actions[i].Doc, false, res)
		case ActionMergeOrUpload:
			err = a.merge(key, actions[i].Doc, true, res)
		case ActionDelete:
			err = a.remove(key, res)
		default:
			err = apperr.InvalidArgument("unknown document action %q", actions[i].Type)
		}
		if err != nil {
			fail(res, err)
			continue
		}
		res.Status = true
	}

	if err := a.ix.Commit(ctx, a.batch); err != nil {
		slog.Error("docops_commit_failed", slog.String("error", err.Error()))
		commitErr := apperr.Internal(err, "commit document batch")
		for i := range results {
			if results[i].Status {
				fail(&results[i], commitErr)
			}
		}
		return results
	}

	if vecs != nil {
		for _, op := range a.vecOps {
			if op.del {
				vecs.DeleteKey(op.key)
				continue
			}
			if err := vecs.Put(op.field, op.key, op.vec); err != nil {
				slog.Warn("docops_vector_put_failed",
					slog.String("field", op.field),
					slog.String("key", op.key),
					slog.String("error", err.Error()))
			}
		}
	}
	return results
}

// upload replaces the stored document. Previously stored vectors are
// dropped even when the new body omits the vector field.
func (a *applier) upload(key string, raw map[string]any, res *ItemResult) error {
	doc, warnings := a.def.CoerceDocument(raw)
	logWarnings(key, warnings)

	exists, err := a.exists(key)
	if err != nil {
		return err
	}
	if !exists {
		if a.maxDocs > 0 && a.live >= a.maxDocs {
			return apperr.Unavailable("index is at its maximum of %d documents", a.maxDocs)
		}
		a.live++
	}

	if err := a.batch.Upsert(key, doc); err != nil {
		return err
	}
	a.staged[key] = true
	a.vecOps = append(a.vecOps, vecOp{del: true, key: key})
	a.stageVectorPuts(key, doc)

	if exists {
		res.StatusCode = http.StatusOK
	} else {
		res.StatusCode = http.StatusCreated
	}
	return nil
}

// merge overlays the body's fields onto the committed document. A null
// value clears the field; collections and complex values are replaced
// whole. Vector fields are written for the fields present in the body and
// left untouched otherwise.
func (a *applier) merge(key string, raw map[string]any, orUpload bool, res *ItemResult) error {
	wire, err := a.ix.GetDocument(a.ctx, key)
	if errors.Is(err, invindex.ErrNotFound) {
		if orUpload {
			return a.upload(key, raw, res)
		}
		return apperr.NotFound("document", key)
	}
	if err != nil {
		return err
	}

	merged, _ := a.def.CoerceDocument(wire)
	patch, warnings := a.def.CoerceDocument(raw)
	logWarnings(key, warnings)

	for name, value := range patch {
		if value == nil {
			delete(merged, name)
			continue
		}
		merged[name] = value
	}

	if err := a.batch.Upsert(key, merged); err != nil {
		return err
	}
	a.staged[key] = true
	a.stageVectorPuts(key, patch)

	res.StatusCode = http.StatusOK
	return nil
}

// remove deletes by key. Deleting an absent document still succeeds.
func (a *applier) remove(key string, res *ItemResult) error {
	exists, err := a.exists(key)
	if err != nil {
		return err
	}
	if exists {
		a.live--
	}

	a.batch.Delete(key)
	a.staged[key] = false
	a.vecOps = append(a.vecOps, vecOp{del: true, key: key})

	res.StatusCode = http.StatusOK
	return nil
}

// exists answers against staged writes first, then the committed index.
func (a *applier) exists(key string) (bool, error) {
	if present, ok := a.staged[key]; ok {
		return present, nil
	}
	return a.ix.Contains(a.ctx, key)
}

func (a *applier) stageVectorPuts(key string, doc schema.Document) {
	for i := range a.def.Fields {
		f := &a.def.Fields[i]
		if !schema.IsVectorType(f.Type) {
			continue
		}
		vec, ok := doc[f.Name].([]float32)
		if !ok {
			continue
		}
		a.vecOps = append(a.vecOps, vecOp{field: f.Name, key: key, vec: vec})
	}
}

func fail(res *ItemResult, err error) {
	res.Status = false
	res.StatusCode = apperr.HTTPStatus(err)
	res.ErrorMessage = err.Error()
}

func logWarnings(key string, warnings []string) {
	for _, w := range warnings {
		slog.Warn("document_coercion", slog.String("key", key), slog.String("warning", w))
	}
}
