package services

import (
	"sort"

	"github.com/jfilter/timetiles-sub003/models"
)

// maxEnumCandidates hard-caps the distinct values tracked per field while
// observing; the configured threshold is applied at finalization.
const maxEnumCandidates = 250

// SchemaBuilder infers a schema from observed rows. State lives on the job
// record, so inference over a multi-batch import never re-scans earlier
// batches.
type SchemaBuilder struct {
	dataset *models.Dataset
}

func NewSchemaBuilder(dataset *models.Dataset) *SchemaBuilder {
	return &SchemaBuilder{dataset: dataset}
}

// ObserveBatch folds one batch of rows into the inference state.
func (b *SchemaBuilder) ObserveBatch(state *models.SchemaBuilderState, rows []Row) {
	if state.Fields == nil {
		state.Fields = make(map[string]*models.FieldStats)
	}
	for _, row := range rows {
		b.observeObject(state, row, "", 1)
		state.RowCount++
	}
}

func (b *SchemaBuilder) observeObject(state *models.SchemaBuilderState, obj map[string]any, prefix string, depth int) {
	maxDepth := b.dataset.MaxSchemaDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		stats := state.Fields[path]
		if stats == nil {
			stats = &models.FieldStats{TypeCounts: make(map[string]int), Depth: depth}
			state.Fields[path] = stats
		}
		kind := kindOf(value)
		stats.TypeCounts[kind]++
		stats.Presence++

		switch kind {
		case models.KindString:
			b.observeEnumCandidate(stats, value.(string))
		case models.KindNumber:
			b.observeEnumCandidate(stats, scalarString(value))
		case models.KindObject:
			if depth < maxDepth {
				b.observeObject(state, value.(map[string]any), path, depth+1)
			}
		}
	}
}

func (b *SchemaBuilder) observeEnumCandidate(stats *models.FieldStats, value string) {
	if stats.EnumOverflow {
		return
	}
	if stats.EnumCounts == nil {
		stats.EnumCounts = make(map[string]int)
	}
	if _, seen := stats.EnumCounts[value]; !seen && len(stats.EnumCounts) >= maxEnumCandidates {
		stats.EnumOverflow = true
		stats.EnumCounts = nil
		return
	}
	stats.EnumCounts[value]++
}

// Finalize turns the accumulated state into a schema document, applying the
// dataset's enum threshold (distinct-value count, or percentage of rows).
func (b *SchemaBuilder) Finalize(state *models.SchemaBuilderState) models.SchemaDocument {
	doc := models.SchemaDocument{
		Fields:   make(map[string]models.SchemaField, len(state.Fields)),
		RowCount: state.RowCount,
	}
	for path, stats := range state.Fields {
		field := models.SchemaField{
			Path:     path,
			Types:    sortedTypes(stats.TypeCounts),
			Required: stats.Presence == state.RowCount,
			Depth:    stats.Depth,
		}
		if !stats.EnumOverflow && len(stats.EnumCounts) > 0 && b.withinEnumThreshold(len(stats.EnumCounts), state.RowCount) {
			field.EnumValues = sortedKeys(stats.EnumCounts)
		}
		doc.Fields[path] = field
	}
	return doc
}

func (b *SchemaBuilder) withinEnumThreshold(distinct, rowCount int) bool {
	threshold := b.dataset.EnumThreshold
	if threshold <= 0 {
		return false
	}
	if b.dataset.EnumMode == models.EnumModePercent {
		if rowCount == 0 {
			return false
		}
		return float64(distinct)/float64(rowCount)*100 <= threshold
	}
	return float64(distinct) <= threshold
}

func sortedTypes(counts map[string]int) []string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		if t == models.KindNull {
			continue // nulls make a field optional, not a null-typed field
		}
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
