package dashapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Filter restricts one record field.
type Filter struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

// FilterSet accumulates filters keyed by field and operator. Values are trimmed,
// empty values are dropped and duplicates are ignored; first-seen order is kept
// for both filters and values.
type FilterSet struct {
	order   []filterKey
	filters map[filterKey]*Filter
	seen    map[filterKey]map[string]struct{}
}

type filterKey struct {
	field    string
	operator string
}

// NewFilterSet returns an empty set.
func NewFilterSet() *FilterSet {
	return &FilterSet{
		filters: make(map[filterKey]*Filter),
		seen:    make(map[filterKey]map[string]struct{}),
	}
}

// Add merges values into the filter for field/operator. The operator defaults to "eq".
func (set *FilterSet) Add(field string, operator string, values ...string) *FilterSet {
	trimmedField := strings.TrimSpace(field)
	if trimmedField == "" {
		return set
	}
	normalizedOperator := strings.ToLower(strings.TrimSpace(operator))
	if normalizedOperator == "" {
		normalizedOperator = "eq"
	}
	key := filterKey{field: trimmedField, operator: normalizedOperator}
	for _, value := range values {
		trimmedValue := strings.TrimSpace(value)
		if trimmedValue == "" {
			continue
		}
		filter, exists := set.filters[key]
		if !exists {
			filter = &Filter{Field: trimmedField, Operator: normalizedOperator}
			set.filters[key] = filter
			set.seen[key] = make(map[string]struct{})
			set.order = append(set.order, key)
		}
		if _, duplicate := set.seen[key][trimmedValue]; duplicate {
			continue
		}
		set.seen[key][trimmedValue] = struct{}{}
		filter.Values = append(filter.Values, trimmedValue)
	}
	return set
}

// Filters returns the accumulated filters. Fields that never received a value are absent.
func (set *FilterSet) Filters() []Filter {
	filters := make([]Filter, 0, len(set.order))
	for _, key := range set.order {
		filter := set.filters[key]
		filters = append(filters, Filter{
			Field:    filter.Field,
			Operator: filter.Operator,
			Values:   append([]string(nil), filter.Values...),
		})
	}
	return filters
}

// ParseFilterExpression reads "field=v1,v2" or "field:operator=v1,v2" into the set.
func (set *FilterSet) ParseFilterExpression(expression string) bool {
	left, right, found := strings.Cut(expression, "=")
	if !found {
		return false
	}
	field, operator, _ := strings.Cut(left, ":")
	if strings.TrimSpace(field) == "" {
		return false
	}
	set.Add(field, operator, strings.Split(right, ",")...)
	return true
}

// TimeRange bounds the search window. Nil or zero ends are left out of the request,
// and a range with no end left is dropped entirely.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// SearchRequest is the dynamic telemetry query.
type SearchRequest struct {
	Query     string     `json:"query,omitempty"`
	Protocol  string     `json:"protocol,omitempty"`
	Filters   []Filter   `json:"filters"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// SearchResult is one page of matching telemetry records.
type SearchResult struct {
	Total   int               `json:"total"`
	Records []json.RawMessage `json:"records"`
}

// Search runs a telemetry query through the gateway.
func (client *Client) Search(ctx context.Context, request SearchRequest) (SearchResult, error) {
	payload := normalizeSearch(request)
	var result SearchResult
	if err := client.call(ctx, client.gateway, http.MethodPost, searchPath, payload, &result); err != nil {
		return SearchResult{}, err
	}
	return result, nil
}

// normalizeSearch rebuilds the filters through a FilterSet so hand-built requests follow the same rules.
func normalizeSearch(request SearchRequest) SearchRequest {
	set := NewFilterSet()
	for _, filter := range request.Filters {
		set.Add(filter.Field, filter.Operator, filter.Values...)
	}
	request.Filters = set.Filters()
	request.Query = strings.TrimSpace(request.Query)
	request.Protocol = strings.ToLower(strings.TrimSpace(request.Protocol))
	request.TimeRange = normalizeTimeRange(request.TimeRange)
	if request.Limit < 0 {
		request.Limit = 0
	}
	if request.Offset < 0 {
		request.Offset = 0
	}
	return request
}

func normalizeTimeRange(timeRange *TimeRange) *TimeRange {
	if timeRange == nil {
		return nil
	}
	normalized := TimeRange{From: nonZeroTime(timeRange.From), To: nonZeroTime(timeRange.To)}
	if normalized.From == nil && normalized.To == nil {
		return nil
	}
	return &normalized
}

func nonZeroTime(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	return value
}
