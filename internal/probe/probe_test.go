package probe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"datamirror/internal/dataset"
	"datamirror/internal/schema"
)

const leyesPage = `{"success": true, "result": {
  "fields": [{"id": "id", "type": "int"}, {"id": "tipo", "type": "text"}, {"id": "sancion", "type": "timestamp"}],
  "records": [
    {"id": 1, "tipo": "LEY", "sancion": "2019-05-03T00:00:00"},
    {"id": 2, "tipo": "LEY", "sancion": null},
    {"id": 3, "tipo": "DECRETO", "sancion": "2019-05-03T00:00:00"}
  ],
  "total": 250,
  "_links": {"next": "/api/3/action/datastore_search?offset=100&resource_id=r1"}}}`

type pageFetcher struct {
	body string
	err  error
	urls []string
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (*dataset.Page, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return dataset.DecodePage(strings.NewReader(f.body))
}

func TestProbe(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{body: leyesPage}
	res, err := Probe(context.Background(), f, Options{
		URL:  "https://datos.hcdn.gob.ar:443/api/3/action/datastore_search?resource_id=r1",
		Name: "Leyes Sancionadas",
	})
	require.NoError(t, err)
	require.Len(t, f.urls, 1)

	assert.Equal(t, "leyes sancionadas", res.Name)
	assert.Equal(t, "https://datos.hcdn.gob.ar:443", res.Dataset.BaseURL)
	assert.Equal(t, "/api/3/action/datastore_search?resource_id=r1", res.Dataset.StartPath)
	assert.Equal(t, "leyes_sancionadas", res.Dataset.Table)
	assert.Equal(t, 3, res.Sampled)
	assert.EqualValues(t, 250, res.Total)

	require.Len(t, res.Columns, 3)
	id, tipo, sancion := res.Columns[0], res.Columns[1], res.Columns[2]
	assert.Equal(t, Column{Name: "id", Type: "int", Kind: dataset.KindInteger, Present: 3, Distinct: 3}, id)
	assert.Equal(t, 2, tipo.Distinct)
	assert.Equal(t, 1, sancion.Nulls)
	assert.Equal(t, 1, sancion.Distinct)
	assert.InDelta(t, 2.0/3.0, tipo.Ratio(), 1e-9)

	report := FormatReport(res)
	lines := strings.Split(report, "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "sampled=3 total=250")
	assert.True(t, strings.HasSuffix(lines[2], "*"), "id should be a key candidate: %q", lines[2])
	assert.False(t, strings.HasSuffix(lines[3], "*"))
}

func TestConfigYAML(t *testing.T) {
	t.Parallel()

	res, err := Probe(context.Background(), &pageFetcher{body: leyesPage}, Options{
		URL:  "http://localhost:8080/api/3/action/datastore_search?resource_id=r1",
		Name: "leyes",
	})
	require.NoError(t, err)

	out, err := ConfigYAML(res)
	require.NoError(t, err)

	var back struct {
		Datasets map[string]struct {
			BaseURL   string `yaml:"base_url"`
			StartPath string `yaml:"start_path"`
			Table     string `yaml:"table"`
		} `yaml:"datasets"`
	}
	require.NoError(t, yaml.Unmarshal(out, &back))
	ds := back.Datasets["leyes"]
	assert.Equal(t, "http://localhost:8080", ds.BaseURL)
	assert.Equal(t, "/api/3/action/datastore_search?resource_id=r1", ds.StartPath)
	assert.Equal(t, "leyes", ds.Table)
}

func TestProbe_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	good := "https://h/api/3/action/datastore_search?resource_id=r1"

	_, err := Probe(ctx, &pageFetcher{body: leyesPage}, Options{URL: good})
	assert.Error(t, err, "empty name")

	_, err = Probe(ctx, &pageFetcher{body: leyesPage}, Options{URL: "/relative", Name: "x"})
	assert.Error(t, err, "relative url")

	boom := errors.New("boom")
	_, err = Probe(ctx, &pageFetcher{err: boom}, Options{URL: good, Name: "x"})
	assert.ErrorIs(t, err, boom)

	_, err = Probe(ctx, &pageFetcher{body: leyesPage}, Options{URL: good, Name: "x", MinFields: 10})
	assert.ErrorIs(t, err, schema.ErrTooFewFields)
}

func TestColumnStats_Cap(t *testing.T) {
	t.Parallel()

	sch, err := schema.Learn([]dataset.Field{{ID: "id", Type: "int"}}, schema.Options{})
	require.NoError(t, err)

	recs := make([]dataset.Record, distinctCapPerColumn+5)
	for i := range recs {
		recs[i] = dataset.NewRecord("id", i)
	}
	cols := columnStats(sch, recs)
	assert.True(t, cols[0].Capped)
	assert.Equal(t, distinctCapPerColumn, cols[0].Distinct)
	assert.Equal(t, len(recs), cols[0].Present)
}
