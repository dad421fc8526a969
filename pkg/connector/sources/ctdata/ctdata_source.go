// Package ctdata implements the Connecticut business registry source. It
// pulls the Secretary of the State's registration datasets from the state's
// Socrata open-data API. One entry is one whole dataset, paged through to
// the end inside a single fetch, so the entry id space is the fixed set of
// dataset ids rather than a numeric range.
package ctdata

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/clients"
	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/base"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/logger"
	"github.com/trawler-io/trawler/pkg/storage"
)

const (
	sourceKey    = "ct_data"
	defaultScope = "ct_data"
)

// datasets maps Socrata dataset ids to the tables their rows land in.
var datasets = map[string]string{
	"n7gp-d28j": "businesses",
	"ah3s-bes7": "filings",
	"qh2m-n44y": "agents",
	"ka36-64k6": "principals",
	"enwv-52we": "name_changes",
}

// datasetOrder fixes the enumeration order; map iteration would shuffle it
// between runs and break checkpoint resume.
var datasetOrder = []string{"n7gp-d28j", "ah3s-bes7", "qh2m-n44y", "ka36-64k6", "enwv-52we"}

// fieldRenames maps API field names to stored column names, per table. The
// business master dataset calls its primary key plain "id".
var fieldRenames = map[string]map[string]string{
	"businesses": {"id": "business_id"},
}

// CTDataSource fetches the registration datasets over the Socrata API.
type CTDataSource struct {
	*base.BaseSource
	cfg config.CTDataConfig
}

// NewCTDataSource builds the source from the process settings.
func NewCTDataSource(settings *config.Settings) (core.Source, error) {
	httpCfg := settings.HTTP
	client := clients.NewHTTPClient(&httpCfg, logger.Get().With(zap.String("source", sourceKey)))
	return &CTDataSource{
		BaseSource: base.NewBaseSource(sourceKey, client),
		cfg:        settings.Sources.CTData,
	}, nil
}

// Resolve prepares the scope. The registry data is statewide, so the scope
// key defaults to a single fixed value; params may narrow the run to a
// subset of datasets or set the incremental cutoff date.
func (s *CTDataSource) Resolve(_ context.Context, _ *storage.Catalog, scopeArg, baseURL string, params map[string]string) (core.Scope, error) {
	if scopeArg == "" {
		scopeArg = defaultScope
	}
	root := s.cfg.BaseURL
	if baseURL != "" {
		root = baseURL
	}
	if root == "" {
		return core.Scope{}, errors.New(errors.ErrorTypeConfig, "ct_data base URL is not configured")
	}

	sc := core.Scope{
		Key:     scopeArg,
		BaseURL: strings.TrimRight(root, "/"),
		Params:  map[string]string{},
	}

	if since := firstNonEmpty(params["since"], s.cfg.Since); since != "" {
		sc.Params["since"] = since
	}
	if picked := params["datasets"]; picked != "" {
		ids, err := resolveDatasetIDs(picked)
		if err != nil {
			return core.Scope{}, err
		}
		sc.Params["datasets"] = strings.Join(ids, ",")
	}
	return sc, nil
}

// resolveDatasetIDs turns a comma list of dataset ids or table names into
// canonical dataset ids, preserving the fixed enumeration order.
func resolveDatasetIDs(picked string) ([]string, error) {
	want := make(map[string]bool)
	for _, raw := range strings.Split(picked, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		id, ok := datasetIDFor(name)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"unknown dataset %q, known: %s", name, strings.Join(datasetNames(), ", "))
		}
		want[id] = true
	}
	if len(want) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "datasets param is empty")
	}

	var ids []string
	for _, id := range datasetOrder {
		if want[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// datasetIDFor accepts either a raw dataset id or its table name.
func datasetIDFor(name string) (string, bool) {
	if _, ok := datasets[name]; ok {
		return name, true
	}
	for id, table := range datasets {
		if table == name {
			return id, true
		}
	}
	return "", false
}

func datasetNames() []string {
	names := make([]string, 0, len(datasetOrder))
	for _, id := range datasetOrder {
		names = append(names, fmt.Sprintf("%s (%s)", datasets[id], id))
	}
	return names
}

// Entries enumerates the dataset ids selected for this scope.
func (s *CTDataSource) Entries(_ context.Context, sc core.Scope, _ *storage.Catalog) ([]string, error) {
	if picked := sc.Param("datasets", ""); picked != "" {
		return strings.Split(picked, ","), nil
	}
	return append([]string(nil), datasetOrder...), nil
}

// KnownEntries returns the selected datasets that already have stored rows,
// so a refresh revisits exactly what an earlier load captured.
func (s *CTDataSource) KnownEntries(ctx context.Context, sc core.Scope, cat *storage.Catalog) ([]string, error) {
	selected, err := s.Entries(ctx, sc, cat)
	if err != nil {
		return nil, err
	}

	var known []string
	for _, id := range selected {
		files, err := cat.Files(sc.Key, datasets[id])
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			known = append(known, id)
		}
	}
	return known, nil
}

// ScopeKeys lists the stored scopes holding registry tables.
func (s *CTDataSource) ScopeKeys(cat *storage.Catalog) ([]string, error) {
	scopes, err := cat.Scopes()
	if err != nil {
		return nil, err
	}

	ours := make(map[string]bool, len(datasets))
	for _, table := range datasets {
		ours[table] = true
	}

	var keys []string
	for _, scope := range scopes {
		tables, err := cat.Tables(scope)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if ours[t] {
				keys = append(keys, scope)
				break
			}
		}
	}
	return keys, nil
}

// Fetch downloads one dataset completely. entryID is the dataset id; the
// returned payload carries the table name and the raw rows.
func (s *CTDataSource) Fetch(ctx context.Context, sc core.Scope, entryID string) (core.Payload, error) {
	table, ok := datasets[entryID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown dataset %s", entryID)
	}

	since := sc.Param("since", "")
	// Name changes carry no usable creation timestamp, always take them whole.
	if table == "name_changes" {
		since = ""
	}

	rows, err := s.fetchPages(ctx, sc.BaseURL, entryID, table, since)
	if err != nil {
		return nil, err
	}

	if renames := fieldRenames[table]; renames != nil {
		for _, row := range rows {
			renameFields(row, renames)
		}
	}

	return core.Payload{
		"dataset_id": entryID,
		"table":      table,
		"rows":       rows,
	}, nil
}

// fetchPages walks a dataset with $limit/$offset until a short page signals
// the end.
func (s *CTDataSource) fetchPages(ctx context.Context, baseURL, datasetID, table, since string) ([]map[string]interface{}, error) {
	pageSize := s.cfg.PageSize
	if pageSize < 1 {
		pageSize = config.DefaultSourcesConfig().CTData.PageSize
	}

	var all []map[string]interface{}
	for offset := 0; ; offset += pageSize {
		s.Logger().Info("fetching dataset page",
			zap.String("table", table),
			zap.String("dataset", datasetID),
			zap.Int("offset", offset))

		var page []map[string]interface{}
		if err := s.Client().GetJSON(ctx, s.pageURL(baseURL, datasetID, pageSize, offset, since), &page); err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}

	s.Logger().Info("dataset complete",
		zap.String("table", table),
		zap.String("dataset", datasetID),
		zap.Int("rows", len(all)))
	return all, nil
}

func (s *CTDataSource) pageURL(baseURL, datasetID string, limit, offset int, since string) string {
	q := url.Values{}
	q.Set("$limit", strconv.Itoa(limit))
	q.Set("$offset", strconv.Itoa(offset))
	if since != "" {
		q.Set("$where", fmt.Sprintf("create_dt > '%s'", since))
	}
	if s.cfg.AppToken != "" {
		q.Set("$$app_token", s.cfg.AppToken)
	}
	return fmt.Sprintf("%s/%s.json?%s", baseURL, datasetID, q.Encode())
}

func renameFields(row map[string]interface{}, renames map[string]string) {
	for from, to := range renames {
		if v, ok := row[from]; ok {
			delete(row, from)
			row[to] = v
		}
	}
}

// Flatten groups the fetched payloads into their tables. Rows pass through
// as the API returned them apart from the field renames applied at fetch.
func (s *CTDataSource) Flatten(results []core.Payload) (core.Tables, error) {
	tables := make(core.Tables)
	for _, p := range results {
		table, _ := p["table"].(string)
		if table == "" {
			return nil, errors.New(errors.ErrorTypeData, "payload carries no table name")
		}
		rows, ok := p["rows"].([]map[string]interface{})
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "payload for %s carries no rows", table)
		}
		if len(rows) == 0 {
			continue
		}
		tables[table] = append(tables[table], rows...)
	}
	return tables, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
