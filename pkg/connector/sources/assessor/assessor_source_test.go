package assessor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/storage"
)

func newAssessorSettings() *config.Settings {
	settings := config.DefaultSettings()
	settings.HTTP.PageRate = 0
	return settings
}

func newAssessor(t *testing.T, settings *config.Settings) *AssessorSource {
	t.Helper()
	src, err := NewAssessorSource(settings)
	require.NoError(t, err)
	return src.(*AssessorSource)
}

func TestResolveUsesSiteDirectory(t *testing.T) {
	cat := storage.NewCatalog(t.TempDir())
	require.NoError(t, saveSites(cat, map[string]Site{
		"avonct": {Name: "Avon, CT", State: "ct", URL: "https://gis.example.test/avonct"},
	}))

	s := newAssessor(t, newAssessorSettings())
	sc, err := s.Resolve(context.Background(), cat, "avonct", "", nil)
	require.NoError(t, err)

	assert.Equal(t, "avonct", sc.Key)
	assert.Equal(t, "https://gis.example.test/avonct/", sc.BaseURL)
	assert.Equal(t, "1", sc.Param("min_id", ""))
	assert.Equal(t, "150000", sc.Param("max_id", ""))
}

func TestResolveBaseURLOverrideSkipsDirectory(t *testing.T) {
	// No site directory exists under this catalog.
	cat := storage.NewCatalog(t.TempDir())

	s := newAssessor(t, newAssessorSettings())
	sc, err := s.Resolve(context.Background(), cat, "avonct", "https://gis.example.test/avonct", map[string]string{
		"min_id": "5",
		"max_id": "8",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://gis.example.test/avonct/", sc.BaseURL)

	ids, err := s.Entries(context.Background(), sc, cat)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6", "7", "8"}, ids)
}

func TestResolveRequiresSiteKey(t *testing.T) {
	s := newAssessor(t, newAssessorSettings())

	_, err := s.Resolve(context.Background(), storage.NewCatalog(t.TempDir()), "", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestResolveFailsWithoutDirectoryOrOverride(t *testing.T) {
	s := newAssessor(t, newAssessorSettings())

	_, err := s.Resolve(context.Background(), storage.NewCatalog(t.TempDir()), "avonct", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "fetch-sites")
}

func TestResolveRejectsUnknownSite(t *testing.T) {
	cat := storage.NewCatalog(t.TempDir())
	require.NoError(t, saveSites(cat, map[string]Site{
		"avonct": {Name: "Avon, CT", State: "ct", URL: "https://gis.example.test/avonct"},
	}))

	s := newAssessor(t, newAssessorSettings())
	_, err := s.Resolve(context.Background(), cat, "gothamct", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestResolveRejectsBadIDRange(t *testing.T) {
	s := newAssessor(t, newAssessorSettings())
	cat := storage.NewCatalog(t.TempDir())

	_, err := s.Resolve(context.Background(), cat, "avonct", "https://x/", map[string]string{
		"min_id": "10", "max_id": "5",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = s.Resolve(context.Background(), cat, "avonct", "https://x/", map[string]string{
		"min_id": "abc",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestKnownEntriesSortsNumerically(t *testing.T) {
	dir := t.TempDir()
	w := storage.NewWriter(dir)
	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": "101"}, {"pid": "9"}, {"pid": "10"}},
	}))

	s := newAssessor(t, newAssessorSettings())
	sc := core.Scope{Key: "avonct"}

	ids, err := s.KnownEntries(context.Background(), sc, w.Catalog())
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "10", "101"}, ids)
}

func TestScopeKeysListsSitesWithProperties(t *testing.T) {
	dir := t.TempDir()
	w := storage.NewWriter(dir)
	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": "1"}},
	}))
	require.NoError(t, w.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
		"properties": {{"pid": "1"}},
	}))
	// A scope from another source, no properties table.
	require.NoError(t, w.WriteBatch("ct_data", map[string][]map[string]interface{}{
		"filings": {{"filing_id": "f1"}},
	}))

	s := newAssessor(t, newAssessorSettings())
	keys, err := s.ScopeKeys(w.Catalog())
	require.NoError(t, err)
	assert.Equal(t, []string{"avonct", "newmilfordct"}, keys)
}

func TestFetchParsesServedCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Parcel.aspx", r.URL.Path)
		if r.URL.Query().Get("pid") == "101" {
			w.Write([]byte(parcelFixture))
			return
		}
		w.Write([]byte(notFoundFixture))
	}))
	t.Cleanup(srv.Close)

	s := newAssessor(t, newAssessorSettings())
	sc, err := s.Resolve(context.Background(), nil, "avonct", srv.URL, nil)
	require.NoError(t, err)

	payload, err := s.Fetch(context.Background(), sc, "101")
	require.NoError(t, err)
	prop := payload["property"].(map[string]interface{})
	assert.Equal(t, "101", prop["pid"])
	assert.Equal(t, srv.URL+"/Parcel.aspx?pid=101", prop["source_url"])

	_, err = s.Fetch(context.Background(), sc, "999")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestFlattenSplitsPayloadIntoTables(t *testing.T) {
	payload := parseFixture(t, parcelFixture)
	s := newAssessor(t, newAssessorSettings())

	// The same parcel twice: the duplicate must collapse.
	tables, err := s.Flatten([]core.Payload{payload, payload})
	require.NoError(t, err)

	require.Len(t, tables["properties"], 1)
	prop := tables["properties"][0]

	require.Len(t, tables["buildings"], 1)
	b := tables["buildings"][0]
	assert.Equal(t, "Colonial", b["style"])
	assert.Equal(t, "3 Bedrooms", b["total_bedrooms"])
	assert.NotContains(t, b, "construction")
	assert.NotContains(t, b, "sub_areas")
	extra, ok := b["extra_fields"].(string)
	require.True(t, ok)
	assert.Contains(t, extra, "custom_thing")

	require.Len(t, tables["sub_areas"], 2)
	sa := tables["sub_areas"][0]
	assert.Equal(t, prop["uuid"], sa["property_uuid"])
	assert.Equal(t, "101", sa["pid"])
	assert.Equal(t, int64(0), sa["bid"])

	assert.Len(t, tables["ownership"], 2)
	assert.Len(t, tables["appraisals"], 2)
	assert.Len(t, tables["assessments"], 1)
	assert.Len(t, tables["outbuildings"], 1)
	assert.NotContains(t, tables, "extra_features")
}

func TestPhotoItemsRespectEnableSwitch(t *testing.T) {
	payload := parseFixture(t, parcelFixture)
	sc := core.Scope{Key: "avonct"}

	off := newAssessor(t, newAssessorSettings())
	assert.Nil(t, off.PhotoItems(payload, sc, "101"))

	settings := newAssessorSettings()
	settings.Sources.Assessor.Photos = true
	on := newAssessor(t, settings)

	items := on.PhotoItems(payload, sc, "101")
	require.Len(t, items, 1)
	assert.Equal(t, "https://photos.example.test/avonct/101.jpg", items[0].URL)
	assert.Equal(t, "avonct", items[0].ScopeKey)
	assert.Equal(t, "101", items[0].EntryID)
}

func TestDownloadPhotoWritesOnce(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte("jpegdata"))
	}))
	t.Cleanup(srv.Close)

	s := newAssessor(t, newAssessorSettings())
	dir := t.TempDir()
	item := core.PhotoItem{URL: srv.URL + "/photos/101.jpg", ScopeKey: "avonct", EntryID: "101"}

	path, err := s.DownloadPhoto(context.Background(), item, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "avonct", "101.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))

	// Same item again: the file on disk wins.
	again, err := s.DownloadPhoto(context.Background(), item, dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestDownloadPhotoSkipsPlaceholder(t *testing.T) {
	s := newAssessor(t, newAssessorSettings())

	path, err := s.DownloadPhoto(context.Background(), core.PhotoItem{
		URL: "https://photos.example.test/Default.jpg", ScopeKey: "avonct", EntryID: "101",
	}, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
}

const directoryFixture = `<html><body>
<a href="https://gis.vgsi.com/avonct/">Avon, CT</a>
<a href="https://gis.vgsi.com/newmilfordct/">New Milford, CT</a>
<a href="https://example.com/elsewhere">Elsewhere</a>
</body></html>`

func TestRunAdminFetchSites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(directoryFixture))
	}))
	t.Cleanup(srv.Close)

	cat := storage.NewCatalog(t.TempDir())
	s := newAssessor(t, newAssessorSettings())

	require.NoError(t, s.RunAdmin(context.Background(), cat, []string{"fetch-sites", srv.URL}))

	sites, err := loadSites(cat)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "Avon, CT", sites["avonct"].Name)
	assert.Equal(t, "ct", sites["avonct"].State)
	assert.Equal(t, "https://gis.vgsi.com/avonct/", sites["avonct"].URL)
	assert.Contains(t, sites, "newmilfordct")

	// The refreshed directory immediately serves scope resolution.
	sc, err := s.Resolve(context.Background(), cat, "avonct", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://gis.vgsi.com/avonct/", sc.BaseURL)
}

func TestRunAdminRejectsUnknownAction(t *testing.T) {
	cat := storage.NewCatalog(t.TempDir())
	s := newAssessor(t, newAssessorSettings())

	err := s.RunAdmin(context.Background(), cat, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = s.RunAdmin(context.Background(), cat, []string{"bogus"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
