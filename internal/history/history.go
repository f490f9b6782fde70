// Package history keeps a full-text index of past generations so the planner
// can be shown similar requests that already produced working dashboards.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/dashforge/internal/agent/core"
)

type document struct {
	Request     string `json:"request"`
	PlanSummary string `json:"plan_summary"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Index wraps a bleve index of generation records
type Index struct {
	bleve  bleve.Index
	mu     sync.RWMutex
	logger *log.Logger
}

// NewMemOnly returns an index that lives only in memory.
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return wrap(idx), nil
}

// Open opens the index at path, creating it when missing. An empty path
// falls back to an in-memory index.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return NewMemOnly()
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open history index %s: %w", path, err)
	}
	return wrap(idx), nil
}

func wrap(idx bleve.Index) *Index {
	return &Index{bleve: idx, logger: log.New(log.Writer(), "[HISTORY] ", log.LstdFlags)}
}

// Index adds or replaces rec.
func (i *Index) Index(ctx context.Context, rec core.HistoryRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("history record has no id")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bleve.Index(rec.ID, document{
		Request:     rec.Request,
		PlanSummary: rec.PlanSummary,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Similar returns up to n records whose request or plan summary matches
// request, best match first.
func (i *Index) Similar(ctx context.Context, request string, n int) ([]core.HistoryRecord, error) {
	request = strings.TrimSpace(request)
	if request == "" || n <= 0 {
		return nil, nil
	}
	byRequest := bleve.NewMatchQuery(request)
	byRequest.SetField("request")
	byRequest.SetBoost(2)
	bySummary := bleve.NewMatchQuery(request)
	bySummary.SetField("plan_summary")
	query := bleve.NewDisjunctionQuery(byRequest, bySummary)

	req := bleve.NewSearchRequestOptions(query, n, 0, false)
	req.Fields = []string{"request", "plan_summary", "status", "created_at"}

	i.mu.RLock()
	res, err := i.bleve.SearchInContext(ctx, req)
	i.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]core.HistoryRecord, 0, len(res.Hits))
	for _, hit := range res.Hits {
		rec := core.HistoryRecord{
			ID:          hit.ID,
			Request:     field(hit.Fields, "request"),
			PlanSummary: field(hit.Fields, "plan_summary"),
			Status:      field(hit.Fields, "status"),
		}
		if t, err := time.Parse(time.RFC3339Nano, field(hit.Fields, "created_at")); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of indexed records.
func (i *Index) Count() (uint64, error) {
	return i.bleve.DocCount()
}

func (i *Index) Close() error {
	return i.bleve.Close()
}

func field(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}
