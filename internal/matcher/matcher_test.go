package matcher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamirror/internal/codec"
	"datamirror/internal/dataset"
	"datamirror/internal/schema"
)

func learn(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Learn([]dataset.Field{
		{ID: "id", Type: "int"},
		{ID: "name", Type: "text"},
		{ID: "amount", Type: "numeric"},
	}, schema.Options{})
	require.NoError(t, err)
	return s
}

func TestBuild_WhereAndRow(t *testing.T) {
	t.Parallel()

	rec := dataset.NewRecord("id", json.Number("1"), "name", `Law "Omnibus"`, "amount", json.Number("1 000.5"))
	m, err := Build(rec, learn(t))
	require.NoError(t, err)

	where, args := m.Where(codec.Postgres, 1)
	assert.Equal(t, `"id" = $1 AND "name" = $2 AND "amount" = $3`, where)
	assert.Equal(t, []any{int64(1), `Law "Omnibus"`, "1000.5"}, args)

	cols, row := m.Row()
	assert.Equal(t, []string{"id", "name", "amount"}, cols)
	assert.Equal(t, []any{int64(1), `Law "Omnibus"`, "1000.5"}, row)
}

func TestBuild_NullUsesIsNullAndSkipsPlaceholder(t *testing.T) {
	t.Parallel()

	rec := dataset.NewRecord("id", json.Number("2"), "amount", nil, "name", "Ley B")
	m, err := Build(rec, learn(t))
	require.NoError(t, err)

	where, args := m.Where(codec.MSSQL, 1)
	assert.Equal(t, `[id] = @p1 AND [amount] IS NULL AND ([name] = @p2 AND DATALENGTH([name]) = DATALENGTH(@p2))`, where)
	assert.Equal(t, []any{int64(2), "Ley B"}, args)

	_, row := m.Row()
	assert.Equal(t, []any{int64(2), nil, "Ley B"}, row)
}

func TestBuild_UnknownFieldIsRecordError(t *testing.T) {
	t.Parallel()

	rec := dataset.NewRecord("id", json.Number("3"), "extra", "x")
	_, err := Build(rec, learn(t))
	require.Error(t, err)

	var re *RecordError
	require.True(t, errors.As(err, &re))
	assert.ErrorIs(t, err, codec.ErrUnknownField)
	assert.Equal(t, "x", re.Record.Values["extra"])
	assert.Contains(t, err.Error(), `"extra":"x"`)
}

func TestBuild_EmptyRecord(t *testing.T) {
	t.Parallel()

	_, err := Build(dataset.Record{}, learn(t))
	var re *RecordError
	require.ErrorAs(t, err, &re)
}
