package usage

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// maxHistory bounds the in-memory call history.
const maxHistory = 10000

// GroupBy selects the aggregation dimension for Costs.
type GroupBy string

const (
	GroupByProvider GroupBy = "provider"
	GroupByModel    GroupBy = "model" // keys are provider/model
	GroupByProject  GroupBy = "project"
	GroupByRole     GroupBy = "role"
	GroupByNone     GroupBy = ""
)

// Filter narrows Costs queries. Zero fields match everything.
type Filter struct {
	Provider  string
	Model     string
	Role      string
	ProjectID string
	Since     time.Time
	Until     time.Time
}

func (f Filter) isZero() bool {
	return f.Provider == "" && f.Model == "" && f.Role == "" && f.ProjectID == "" &&
		f.Since.IsZero() && f.Until.IsZero()
}

func (f Filter) matches(r Record) bool {
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Summary is the aggregate spend picture. The averages are per recorded
// call, cache hits included.
type Summary struct {
	TakenAt          time.Time     `json:"takenAt"`
	Total            Totals        `json:"total"`
	AvgCostPerCall   float64       `json:"avgCostPerCall"`
	AvgTokensPerCall float64       `json:"avgTokensPerCall"`
	Providers        []NamedTotals `json:"providers"`
	Models           []NamedTotals `json:"models"`
	Projects         []NamedTotals `json:"projects"`
	Roles            []NamedTotals `json:"roles"`
}

// CostTracker aggregates spend. All roll-ups and the history update under
// one lock, so concurrent readers always see consistent aggregates.
type CostTracker struct {
	logger *slog.Logger

	mu         sync.Mutex
	total      Totals
	byProvider map[string]map[string]*Totals // provider -> model
	byProject  map[string]map[string]*Totals // project -> provider
	byRole     map[string]map[string]*Totals // role -> provider
	history    []Record
	sinks      []Sink
}

// NewCostTracker creates an empty tracker.
func NewCostTracker(logger *slog.Logger) *CostTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CostTracker{
		logger:     logger,
		byProvider: make(map[string]map[string]*Totals),
		byProject:  make(map[string]map[string]*Totals),
		byRole:     make(map[string]map[string]*Totals),
	}
}

// AddSink registers a sink for all future records.
func (t *CostTracker) AddSink(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Record validates and admits one call record, updating every roll-up and
// the history together, then fans out to sinks.
func (t *CostTracker) Record(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Tokens.Total == 0 {
		r.Tokens.Total = r.Tokens.Input + r.Tokens.Output
	}

	t.mu.Lock()
	t.total.add(r)
	bucket(t.byProvider, r.Provider, r.Model).add(r)
	bucket(t.byProject, r.ProjectID, r.Provider).add(r)
	bucket(t.byRole, r.Role, r.Provider).add(r)

	t.history = append(t.history, r)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	sinks := make([]Sink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Write(ctx, r); err != nil {
			t.logger.Warn("usage sink write failed",
				"provider", r.Provider, "model", r.Model, "error", err)
		}
	}
	return nil
}

func bucket(m map[string]map[string]*Totals, outer, inner string) *Totals {
	sub, ok := m[outer]
	if !ok {
		sub = make(map[string]*Totals)
		m[outer] = sub
	}
	tot, ok := sub[inner]
	if !ok {
		tot = &Totals{}
		sub[inner] = tot
	}
	return tot
}

// Total returns the overall aggregate.
func (t *CostTracker) Total() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Costs aggregates spend along one dimension. An empty filter reads the
// pre-computed roll-ups; a filtered query scans the retained history, so
// its horizon is bounded by the history cap.
func (t *CostTracker) Costs(filter Filter, groupBy GroupBy) map[string]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	if filter.isZero() {
		return t.rollupLocked(groupBy)
	}

	out := make(map[string]Totals)
	for _, r := range t.history {
		if !filter.matches(r) {
			continue
		}
		key := groupKey(r, groupBy)
		tot := out[key]
		tot.add(r)
		out[key] = tot
	}
	return out
}

func groupKey(r Record, groupBy GroupBy) string {
	switch groupBy {
	case GroupByProvider:
		return r.Provider
	case GroupByModel:
		return r.Provider + "/" + r.Model
	case GroupByProject:
		return r.ProjectID
	case GroupByRole:
		return r.Role
	default:
		return "total"
	}
}

func (t *CostTracker) rollupLocked(groupBy GroupBy) map[string]Totals {
	out := make(map[string]Totals)
	switch groupBy {
	case GroupByProvider:
		for provider, models := range t.byProvider {
			agg := Totals{}
			for _, tot := range models {
				agg.Calls += tot.Calls
				agg.Tokens.Add(tot.Tokens)
				agg.Cost += tot.Cost
			}
			out[provider] = agg
		}
	case GroupByModel:
		for provider, models := range t.byProvider {
			for model, tot := range models {
				out[provider+"/"+model] = *tot
			}
		}
	case GroupByProject:
		for project, providers := range t.byProject {
			agg := Totals{}
			for _, tot := range providers {
				agg.Calls += tot.Calls
				agg.Tokens.Add(tot.Tokens)
				agg.Cost += tot.Cost
			}
			out[project] = agg
		}
	case GroupByRole:
		for role, providers := range t.byRole {
			agg := Totals{}
			for _, tot := range providers {
				agg.Calls += tot.Calls
				agg.Tokens.Add(tot.Tokens)
				agg.Cost += tot.Cost
			}
			out[role] = agg
		}
	default:
		out["total"] = t.total
	}
	return out
}

// History returns matching call records newest first, plus the total number
// of matches so callers can paginate. offset skips from the newest end;
// limit <= 0 means 100.
func (t *CostTracker) History(filter Filter, limit, offset int) ([]Record, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	matched := t.history
	if !filter.isZero() {
		matched = make([]Record, 0)
		for _, r := range t.history {
			if filter.matches(r) {
				matched = append(matched, r)
			}
		}
	}

	n := len(matched)
	if offset >= n {
		return nil, n
	}
	end := n - offset
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]Record, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, matched[i])
	}
	return out, n
}

// Summary builds the top-N spend report per dimension.
func (t *CostTracker) Summary(topN int) Summary {
	if topN <= 0 {
		topN = 5
	}

	t.mu.Lock()
	providers := t.rollupLocked(GroupByProvider)
	models := t.rollupLocked(GroupByModel)
	projects := t.rollupLocked(GroupByProject)
	roles := t.rollupLocked(GroupByRole)
	total := t.total
	t.mu.Unlock()

	s := Summary{
		TakenAt:   time.Now(),
		Total:     total,
		Providers: topByCost(providers, topN),
		Models:    topByCost(models, topN),
		Projects:  topByCost(projects, topN),
		Roles:     topByCost(roles, topN),
	}
	if total.Calls > 0 {
		s.AvgCostPerCall = total.Cost / float64(total.Calls)
		s.AvgTokensPerCall = float64(total.Tokens.Total) / float64(total.Calls)
	}
	return s
}

func topByCost(buckets map[string]Totals, n int) []NamedTotals {
	out := make([]NamedTotals, 0, len(buckets))
	for name, tot := range buckets {
		out = append(out, NamedTotals{Name: name, Totals: tot})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// export is the serialized tracker state.
type export struct {
	ExportedAt time.Time                     `json:"exportedAt"`
	Total      Totals                        `json:"total"`
	ByProvider map[string]map[string]*Totals `json:"byProvider,omitempty"`
	ByProject  map[string]map[string]*Totals `json:"byProject,omitempty"`
	ByRole     map[string]map[string]*Totals `json:"byRole,omitempty"`
	History    []Record                      `json:"history"`
}

// Export writes the tracker state as JSON. A zero filter exports the live
// roll-ups plus the full history; a filtered export carries the matching
// records with totals recomputed from them, without the roll-up maps.
func (t *CostTracker) Export(w io.Writer, filter Filter) error {
	t.mu.Lock()
	snapshot := export{ExportedAt: time.Now()}
	if filter.isZero() {
		snapshot.Total = t.total
		snapshot.ByProvider = t.byProvider
		snapshot.ByProject = t.byProject
		snapshot.ByRole = t.byRole
		snapshot.History = t.history
	} else {
		for _, r := range t.history {
			if filter.matches(r) {
				snapshot.Total.add(r)
				snapshot.History = append(snapshot.History, r)
			}
		}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	t.mu.Unlock()

	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Reset drops every aggregate and the history. Sinks stay registered.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = Totals{}
	t.byProvider = make(map[string]map[string]*Totals)
	t.byProject = make(map[string]map[string]*Totals)
	t.byRole = make(map[string]map[string]*Totals)
	t.history = nil
}

// Close closes every registered sink.
func (t *CostTracker) Close() error {
	t.mu.Lock()
	sinks := t.sinks
	t.sinks = nil
	t.mu.Unlock()

	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
