package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TraceQuery filters the spans returned by QuerySpans. Zero-value fields
// match everything; a Name containing % is matched with LIKE.
type TraceQuery struct {
	TraceID string
	Name    string

	// MinDuration and MaxDuration bound the span duration in milliseconds.
	MinDuration int64
	MaxDuration int64

	// Since and Until bound the span start time.
	Since time.Time
	Until time.Time

	Limit  int
	Offset int
}

// Span is one exported span row.
type Span struct {
	SpanID        string
	TraceID       string
	ParentSpanID  *string
	Name          string
	Kind          int
	StartTime     time.Time
	EndTime       time.Time
	DurationMs    int64
	StatusCode    int
	StatusMessage string
	Attributes    map[string]any
	Events        []map[string]any
	Links         []map[string]any
}

// Trace is a trace row together with its spans. RootSpan is the span without
// a parent, when the exporter captured it.
type Trace struct {
	TraceID            string
	TraceState         string
	ResourceAttributes map[string]any
	CreatedAt          time.Time
	Spans              []Span
	RootSpan           *Span
	DurationMs         int64
}

// MetricQuery filters the data points returned by QueryMetrics. Zero-value
// fields match everything; a Name containing % is matched with LIKE.
type MetricQuery struct {
	Name string

	// Type filters by instrument shape: gauge, sum or histogram.
	Type string

	Since time.Time
	Until time.Time

	Limit  int
	Offset int
}

// MetricDataPoint is one exported metric row. Value is set for gauges and
// sums; Count/Sum/Min/Max are set for histograms.
type MetricDataPoint struct {
	ID                 int64
	Name               string
	Description        string
	Unit               string
	Type               string
	Timestamp          time.Time
	Value              *float64
	Count              *int64
	Sum                *float64
	Min                *float64
	Max                *float64
	Attributes         map[string]any
	ResourceAttributes map[string]any
}

// MetricSummary aggregates one metric over a time range, per instrument type.
type MetricSummary struct {
	Name       string
	Type       string
	DataPoints int64
	AvgValue   *float64
	MinValue   *float64
	MaxValue   *float64
	TotalSum   *float64
	TotalCount *int64
}

// SQLiteObservabilityQueries reads back what the SQLite exporters wrote.
// Intended for debugging sessions and tests; production queries belong on a
// real telemetry backend.
type SQLiteObservabilityQueries struct {
	db           *sql.DB
	tracesTable  string
	spansTable   string
	metricsTable string
}

// NewSQLiteObservabilityQueries creates a query helper over the exporter's
// tables. A nil config uses the exporter defaults.
func NewSQLiteObservabilityQueries(db *sql.DB, config *SQLiteExporterConfig) *SQLiteObservabilityQueries {
	if config == nil {
		config = DefaultSQLiteExporterConfig(db)
	}
	return &SQLiteObservabilityQueries{
		db:           db,
		tracesTable:  config.TracesTable,
		spansTable:   config.SpansTable,
		metricsTable: config.MetricsTable,
	}
}

// QuerySpans returns spans matching the query, newest first.
func (q *SQLiteObservabilityQueries) QuerySpans(ctx context.Context, query TraceQuery) ([]Span, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT span_id, trace_id, parent_span_id, name, kind,
		start_time, end_time, status_code, status_message,
		attributes, events, links FROM %s WHERE 1=1`, q.spansTable)

	var args []any
	if query.TraceID != "" {
		b.WriteString(" AND trace_id = ?")
		args = append(args, query.TraceID)
	}
	if query.Name != "" {
		b.WriteString(nameClause(query.Name))
		args = append(args, query.Name)
	}
	if !query.Since.IsZero() {
		b.WriteString(" AND start_time >= ?")
		args = append(args, query.Since.UnixNano())
	}
	if !query.Until.IsZero() {
		b.WriteString(" AND start_time <= ?")
		args = append(args, query.Until.UnixNano())
	}
	if query.MinDuration > 0 {
		b.WriteString(" AND (end_time - start_time) >= ?")
		args = append(args, query.MinDuration*int64(time.Millisecond))
	}
	if query.MaxDuration > 0 {
		b.WriteString(" AND (end_time - start_time) <= ?")
		args = append(args, query.MaxDuration*int64(time.Millisecond))
	}
	b.WriteString(" ORDER BY start_time DESC")
	args = appendPagination(&b, args, query.Limit, query.Offset)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		span, err := scanSpanRow(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// GetTrace returns one trace with all of its spans. The trace duration spans
// the earliest start to the latest end across its spans.
func (q *SQLiteObservabilityQueries) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	var trace Trace
	var resourceAttrs string
	var createdAt int64
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT trace_id, trace_state, resource_attributes, created_at FROM %s WHERE trace_id = ?`,
		q.tracesTable), traceID).
		Scan(&trace.TraceID, &trace.TraceState, &resourceAttrs, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load trace %s: %w", traceID, err)
	}
	trace.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(resourceAttrs), &trace.ResourceAttributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource attributes: %w", err)
	}

	trace.Spans, err = q.QuerySpans(ctx, TraceQuery{TraceID: traceID})
	if err != nil {
		return nil, err
	}

	var minStart, maxEnd int64
	for i := range trace.Spans {
		span := &trace.Spans[i]
		if span.ParentSpanID == nil {
			trace.RootSpan = span
		}
		if start := span.StartTime.UnixNano(); minStart == 0 || start < minStart {
			minStart = start
		}
		if end := span.EndTime.UnixNano(); end > maxEnd {
			maxEnd = end
		}
	}
	if minStart > 0 && maxEnd > 0 {
		trace.DurationMs = (maxEnd - minStart) / int64(time.Millisecond)
	}
	return &trace, nil
}

// QueryTraces returns trace rows in a time range, newest first, without
// loading their spans.
func (q *SQLiteObservabilityQueries) QueryTraces(ctx context.Context, since, until time.Time, limit int) ([]Trace, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT trace_id, trace_state, resource_attributes, created_at FROM %s WHERE 1=1`, q.tracesTable)

	var args []any
	if !since.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		b.WriteString(" AND created_at <= ?")
		args = append(args, until.Unix())
	}
	b.WriteString(" ORDER BY created_at DESC")
	args = appendPagination(&b, args, limit, 0)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var trace Trace
		var resourceAttrs string
		var createdAt int64
		if err := rows.Scan(&trace.TraceID, &trace.TraceState, &resourceAttrs, &createdAt); err != nil {
			return nil, err
		}
		trace.CreatedAt = time.Unix(createdAt, 0)
		if err := json.Unmarshal([]byte(resourceAttrs), &trace.ResourceAttributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource attributes: %w", err)
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

// QueryMetrics returns metric data points matching the query, newest first.
func (q *SQLiteObservabilityQueries) QueryMetrics(ctx context.Context, query MetricQuery) ([]MetricDataPoint, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT id, name, description, unit, type, timestamp,
		value, count, sum, min, max, attributes, resource_attributes
		FROM %s WHERE 1=1`, q.metricsTable)

	var args []any
	if query.Name != "" {
		b.WriteString(nameClause(query.Name))
		args = append(args, query.Name)
	}
	if query.Type != "" {
		b.WriteString(" AND type = ?")
		args = append(args, query.Type)
	}
	if !query.Since.IsZero() {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, query.Since.Unix())
	}
	if !query.Until.IsZero() {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, query.Until.Unix())
	}
	b.WriteString(" ORDER BY timestamp DESC")
	args = appendPagination(&b, args, query.Limit, query.Offset)

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var points []MetricDataPoint
	for rows.Next() {
		point, err := scanMetricRow(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// SummarizeMetric aggregates one metric name over a time range. A metric
// exported under more than one instrument type yields one summary per type.
func (q *SQLiteObservabilityQueries) SummarizeMetric(ctx context.Context, name string, since, until time.Time) ([]MetricSummary, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT type, COUNT(*), AVG(value), MIN(value), MAX(value), SUM(sum), SUM(count)
		FROM %s WHERE name = ?`, q.metricsTable)

	args := []any{name}
	if !since.IsZero() {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, until.Unix())
	}
	b.WriteString(" GROUP BY type ORDER BY type")

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize metric %s: %w", name, err)
	}
	defer rows.Close()

	var summaries []MetricSummary
	for rows.Next() {
		s := MetricSummary{Name: name}
		var avg, min, max, total sql.NullFloat64
		var count sql.NullInt64
		if err := rows.Scan(&s.Type, &s.DataPoints, &avg, &min, &max, &total, &count); err != nil {
			return nil, err
		}
		if avg.Valid {
			s.AvgValue = &avg.Float64
		}
		if min.Valid {
			s.MinValue = &min.Float64
		}
		if max.Valid {
			s.MaxValue = &max.Float64
		}
		if total.Valid {
			s.TotalSum = &total.Float64
		}
		if count.Valid {
			s.TotalCount = &count.Int64
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func nameClause(name string) string {
	if strings.Contains(name, "%") {
		return " AND name LIKE ?"
	}
	return " AND name = ?"
}

func appendPagination(b *strings.Builder, args []any, limit, offset int) []any {
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	if offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, offset)
	}
	return args
}

func scanSpanRow(rows *sql.Rows) (Span, error) {
	var span Span
	var start, end int64
	var attrs, events, links string
	err := rows.Scan(&span.SpanID, &span.TraceID, &span.ParentSpanID, &span.Name, &span.Kind,
		&start, &end, &span.StatusCode, &span.StatusMessage, &attrs, &events, &links)
	if err != nil {
		return span, err
	}

	span.StartTime = time.Unix(0, start)
	span.EndTime = time.Unix(0, end)
	span.DurationMs = (end - start) / int64(time.Millisecond)

	err = errors.Join(
		json.Unmarshal([]byte(attrs), &span.Attributes),
		json.Unmarshal([]byte(events), &span.Events),
		json.Unmarshal([]byte(links), &span.Links),
	)
	if err != nil {
		return span, fmt.Errorf("failed to unmarshal span %s: %w", span.SpanID, err)
	}
	return span, nil
}

func scanMetricRow(rows *sql.Rows) (MetricDataPoint, error) {
	var point MetricDataPoint
	var timestamp int64
	var attrs, resourceAttrs string
	err := rows.Scan(&point.ID, &point.Name, &point.Description, &point.Unit, &point.Type,
		&timestamp, &point.Value, &point.Count, &point.Sum, &point.Min, &point.Max,
		&attrs, &resourceAttrs)
	if err != nil {
		return point, err
	}

	point.Timestamp = time.Unix(timestamp, 0)
	err = errors.Join(
		json.Unmarshal([]byte(attrs), &point.Attributes),
		json.Unmarshal([]byte(resourceAttrs), &point.ResourceAttributes),
	)
	if err != nil {
		return point, fmt.Errorf("failed to unmarshal metric %s: %w", point.Name, err)
	}
	return point, nil
}
