package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Wire shapes of the custom web API contract.
type webAPIRecord struct {
	RecordID string         `json:"recordId"`
	Data     map[string]any `json:"data"`
}

type webAPIEnvelope struct {
	Values []webAPIRecord `json:"values"`
}

type webAPIMessage struct {
	Message string `json:"message"`
}

type webAPIResult struct {
	RecordID string          `json:"recordId"`
	Data     map[string]any  `json:"data"`
	Errors   []webAPIMessage `json:"errors"`
	Warnings []webAPIMessage `json:"warnings"`
}

type webAPIResponse struct {
	Values []webAPIResult `json:"values"`
}

// runWebAPI sends one record per binding to the skill's endpoint, batched
// by batchSize and issued concurrently up to degreeOfParallelism. Failed
// calls and per-record errors become document warnings; outputs of records
// that answered are written back in binding order after all calls finish.
func (e *Executor) runWebAPI(ctx context.Context, sk *Skill, label string, doc *Document, ctxSegs []string, bindings []Binding) error {
	records := make([]webAPIRecord, len(bindings))
	for i, b := range bindings {
		data := make(map[string]any, len(sk.Inputs))
		for _, in := range sk.Inputs {
			v, ok := doc.resolveSource(in.Source, ctxSegs, b)
			if !ok {
				data[in.Name] = nil
				continue
			}
			data[in.Name] = v.ToAny()
		}
		records[i] = webAPIRecord{RecordID: uuid.NewString(), Data: data}
	}

	batchSize := sk.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultWebAPIBatchSize
	}
	parallel := sk.DegreeOfParallelism
	if parallel <= 0 {
		parallel = DefaultWebAPIParallelism
	}
	timeout := DefaultWebAPITimeout
	if sk.Timeout != "" {
		if d, err := ParseISO8601Duration(sk.Timeout); err == nil {
			timeout = d
		}
	}

	// recordID -> returned data; nil marks a record whose batch failed.
	var mu sync.Mutex
	results := make(map[string]map[string]any, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		g.Go(func() error {
			resp, err := e.callWebAPI(gctx, sk, timeout, batch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("web_api_skill_failed",
					slog.String("skill", label),
					slog.String("uri", sk.URI),
					slog.Any("error", err))
				doc.Warn("skill %s: %v", label, err)
				mu.Lock()
				for _, rec := range batch {
					results[rec.RecordID] = nil
				}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, rec := range resp.Values {
				for _, msg := range rec.Errors {
					doc.Warn("skill %s: record error: %s", label, msg.Message)
				}
				for _, msg := range rec.Warnings {
					doc.Warn("skill %s: %s", label, msg.Message)
				}
				results[rec.RecordID] = rec.Data
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, b := range bindings {
		data, answered := results[records[i].RecordID]
		if !answered {
			doc.Warn("skill %s: no response for record at %s", label, b.Path)
			continue
		}
		if data == nil {
			continue
		}
		outputs := make(map[string]*Value, len(sk.Outputs))
		for _, out := range sk.Outputs {
			if raw, ok := data[out.Name]; ok {
				outputs[out.Name] = FromAny(raw)
			}
		}
		writeOutputs(doc, sk, label, b, outputs)
	}
	return nil
}

func (e *Executor) callWebAPI(ctx context.Context, sk *Skill, timeout time.Duration, batch []webAPIRecord) (*webAPIResponse, error) {
	body, err := json.Marshal(webAPIEnvelope{Values: batch})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	method := sk.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, sk.URI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range sk.HTTPHeaders {
		req.Header.Set(name, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", sk.URI, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("call %s: status %d: %s", sk.URI, resp.StatusCode, string(respBody))
	}

	var decoded webAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", sk.URI, err)
	}
	return &decoded, nil
}
