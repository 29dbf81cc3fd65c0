package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL_Postgres(t *testing.T) {
	q, err := UpsertSQL(UpsertConfig{
		Table:        "scraped_records",
		Columns:      []string{"source", "source_record_id", "business_name", "first_seen", "last_updated"},
		ConflictKeys: []string{"source", "source_record_id"},
		Preserve:     []string{"first_seen"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "scraped_records" ("source", "source_record_id", "business_name", "first_seen", "last_updated") `+
			`VALUES ($1, $2, $3, $4, $5) ON CONFLICT ("source", "source_record_id") `+
			`DO UPDATE SET "business_name" = excluded."business_name", "last_updated" = excluded."last_updated"`,
		q)
}

func TestUpsertSQL_SQLiteReturning(t *testing.T) {
	q, err := UpsertSQL(UpsertConfig{
		Table:        "dead_letters",
		Columns:      []string{"id", "delivery_id"},
		ConflictKeys: []string{"delivery_id"},
		UpdateCols:   []string{},
		Returning:    []string{"id"},
		Dialect:      SQLite,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "dead_letters" ("id", "delivery_id") VALUES (?, ?) ON CONFLICT ("delivery_id") DO NOTHING RETURNING "id"`,
		q)
}

func TestUpsertSQL_ConflictKeysNeverUpdated(t *testing.T) {
	q, err := UpsertSQL(UpsertConfig{
		Table:        "t",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"id", "name"},
	})
	require.NoError(t, err)
	assert.NotContains(t, q, `"id" = excluded."id"`)
	assert.Contains(t, q, `"name" = excluded."name"`)
}

func TestUpsertSQL_Validation(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no table specified")

	_, err = UpsertSQL(UpsertConfig{Table: "t", ConflictKeys: []string{"id"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = UpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id", "name"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestMustUpsertSQL_Panics(t *testing.T) {
	assert.Panics(t, func() { MustUpsertSQL(UpsertConfig{}) })
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"scraper.records", `"scraper"."records"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
