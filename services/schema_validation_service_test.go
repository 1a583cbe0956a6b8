package services

import (
	"context"
	"testing"

	"github.com/jfilter/timetiles-sub003/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaWith(fields ...models.SchemaField) models.SchemaDocument {
	doc := models.SchemaDocument{Fields: make(map[string]models.SchemaField, len(fields))}
	for _, f := range fields {
		doc.Fields[f.Path] = f
	}
	return doc
}

func approveSchema(t *testing.T, svc *SchemaValidationService, dataset *models.Dataset, doc models.SchemaDocument) *models.DatasetSchemaVersion {
	t.Helper()
	version, err := svc.CreateVersion(context.Background(), dataset, doc, models.SchemaValidation{NewFields: []string{"seed"}}, "src-1")
	require.NoError(t, err)
	return version
}

func TestValidateFirstImportHasNoApprovedSchema(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	detected := schemaWith(models.SchemaField{Path: "name", Types: []string{models.KindString}, Required: true})
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.True(t, validation.IsCompatible)
	assert.False(t, validation.RequiresApproval)
	assert.Equal(t, []string{"name"}, validation.NewFields)
}

func TestValidateNewFieldWithAutoGrow(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}, Required: true},
	))

	detected := schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}, Required: true},
		models.SchemaField{Path: "venue", Types: []string{models.KindString}},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.True(t, validation.IsCompatible)
	assert.False(t, validation.RequiresApproval)
	assert.Equal(t, []string{"venue"}, validation.NewFields)
}

func TestValidateNewFieldWithoutAutoGrowIsBreaking(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db, func(d *models.Dataset) { d.AutoGrow = false })

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}},
	))

	detected := schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}},
		models.SchemaField{Path: "venue", Types: []string{models.KindString}},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.False(t, validation.IsCompatible)
	assert.True(t, validation.RequiresApproval)
	require.Len(t, validation.BreakingChanges, 1)
	assert.Equal(t, "new-field", validation.BreakingChanges[0].Kind)
}

func TestValidateTypeChangeOnLockedSchema(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db, func(d *models.Dataset) { d.SchemaLocked = true })

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "temperature", Types: []string{models.KindNumber}, Required: true},
	))

	detected := schemaWith(
		models.SchemaField{Path: "temperature", Types: []string{models.KindString}, Required: true},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.False(t, validation.IsCompatible)
	assert.True(t, validation.RequiresApproval)
	require.Len(t, validation.BreakingChanges, 1)
	assert.Equal(t, "locked-change", validation.BreakingChanges[0].Kind)
	assert.Equal(t, "temperature", validation.BreakingChanges[0].Path)
}

func TestValidateRemovedRequiredFieldIsBreaking(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}, Required: true},
		models.SchemaField{Path: "note", Types: []string{models.KindString}},
	))

	// Dropping the optional field is fine; dropping the required one breaks.
	detected := schemaWith(
		models.SchemaField{Path: "note", Types: []string{models.KindString}},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.False(t, validation.IsCompatible)
	require.Len(t, validation.BreakingChanges, 1)
	assert.Equal(t, "removed-required", validation.BreakingChanges[0].Kind)
	assert.Equal(t, "name", validation.BreakingChanges[0].Path)
}

func TestValidateEnumChangesAreNonBreaking(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "category", Types: []string{models.KindString}, EnumValues: []string{"art", "music"}},
	))

	detected := schemaWith(
		models.SchemaField{Path: "category", Types: []string{models.KindString}, EnumValues: []string{"art", "food"}},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.True(t, validation.IsCompatible)
	assert.False(t, validation.RequiresApproval)
	require.Len(t, validation.EnumChanges, 2)

	kinds := []string{validation.EnumChanges[0].Kind, validation.EnumChanges[1].Kind}
	assert.Contains(t, kinds, "enum-added")
	assert.Contains(t, kinds, "enum-removed")
}

func TestValidateAutoApproveDisabledRequiresApprovalForAnyDelta(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db, func(d *models.Dataset) { d.AutoApproveNonBreaking = false })

	approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}},
	))

	detected := schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}},
		models.SchemaField{Path: "venue", Types: []string{models.KindString}},
	)
	validation, err := svc.Validate(context.Background(), dataset, detected)
	require.NoError(t, err)

	assert.True(t, validation.IsCompatible)
	assert.True(t, validation.RequiresApproval)
}

func TestValidateRows(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	approved := approveSchema(t, svc, dataset, schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}, Required: true},
		models.SchemaField{Path: "attendees", Types: []string{models.KindNumber}},
	))

	rows := []Row{
		{"name": "ok", "attendees": 12.0},
		{"attendees": 5.0},              // missing required name
		{"name": "bad", "attendees": "many"}, // wrong type
	}

	rowErrors, err := svc.ValidateRows(dataset, approved, rows, 1)
	require.NoError(t, err)
	require.Len(t, rowErrors, 2)
	assert.Equal(t, 2, rowErrors[0].Row)
	assert.Equal(t, 3, rowErrors[1].Row)

	// Strict validation turns the first bad row into a stage failure.
	strict := createTestDataset(t, db, func(d *models.Dataset) { d.StrictValidation = true })
	_, err = svc.ValidateRows(strict, approved, rows, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaIncompatible)
	assert.Contains(t, err.Error(), "row 2")
}

func TestCreateVersionNumbersAreSequentialAndDeltaGated(t *testing.T) {
	db := newTestDB(t)
	svc := NewSchemaValidationService(db)
	dataset := createTestDataset(t, db)

	first := schemaWith(models.SchemaField{Path: "name", Types: []string{models.KindString}})
	v1, err := svc.CreateVersion(context.Background(), dataset, first, models.SchemaValidation{NewFields: []string{"name"}}, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)

	// No delta: the existing version is reused.
	again, err := svc.CreateVersion(context.Background(), dataset, first, models.SchemaValidation{}, "src-2")
	require.NoError(t, err)
	assert.Equal(t, v1.VersionNumber, again.VersionNumber)

	second := schemaWith(
		models.SchemaField{Path: "name", Types: []string{models.KindString}},
		models.SchemaField{Path: "venue", Types: []string{models.KindString}},
	)
	v2, err := svc.CreateVersion(context.Background(), dataset, second, models.SchemaValidation{NewFields: []string{"venue"}}, "src-2")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	latest, err := svc.LatestApproved(context.Background(), dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.VersionNumber)
}
