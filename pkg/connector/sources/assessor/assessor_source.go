// Package assessor implements the municipal assessor source. Each scope is
// one municipality's hosted assessor site; entries are numeric parcel ids
// whose property cards are scraped into properties, buildings and the
// related history tables.
package assessor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/clients"
	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/base"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/json"
	"github.com/trawler-io/trawler/pkg/logger"
	"github.com/trawler-io/trawler/pkg/storage"
)

const sourceKey = "assessor"

// AssessorSource scrapes property cards from hosted assessor sites.
type AssessorSource struct {
	*base.BaseSource
	cfg config.AssessorConfig
}

// NewAssessorSource builds the source from the process settings.
func NewAssessorSource(settings *config.Settings) (core.Source, error) {
	httpCfg := settings.HTTP
	client := clients.NewHTTPClient(&httpCfg, logger.Get().With(zap.String("source", sourceKey)))
	return &AssessorSource{
		BaseSource: base.NewBaseSource(sourceKey, client),
		cfg:        settings.Sources.Assessor,
	}, nil
}

// Resolve binds a site key to its base URL. The URL comes from an explicit
// override, the configured default, or the stored site directory, in that
// order. Params may narrow the parcel id range.
func (s *AssessorSource) Resolve(_ context.Context, cat *storage.Catalog, scopeArg, baseURL string, params map[string]string) (core.Scope, error) {
	if scopeArg == "" {
		return core.Scope{}, errors.New(errors.ErrorTypeConfig,
			"assessor requires a site key argument (for example avonct)")
	}

	root := baseURL
	if root == "" {
		root = s.cfg.BaseURL
	}
	if root == "" {
		sites, err := loadSites(cat)
		if err != nil {
			return core.Scope{}, err
		}
		site, ok := sites[scopeArg]
		if !ok {
			return core.Scope{}, errors.Newf(errors.ErrorTypeConfig,
				"site %q not found in the directory of %d sites; run `trawler admin assessor fetch-sites` or pass --base-url",
				scopeArg, len(sites))
		}
		root = site.URL
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	minID := s.cfg.MinID
	maxID := s.cfg.MaxID
	var err error
	if v := params["min_id"]; v != "" {
		if minID, err = strconv.Atoi(v); err != nil {
			return core.Scope{}, errors.Wrap(err, errors.ErrorTypeConfig, "min_id param")
		}
	}
	if v := params["max_id"]; v != "" {
		if maxID, err = strconv.Atoi(v); err != nil {
			return core.Scope{}, errors.Wrap(err, errors.ErrorTypeConfig, "max_id param")
		}
	}
	if minID < 1 {
		return core.Scope{}, errors.New(errors.ErrorTypeConfig, "min_id must be at least 1")
	}
	if maxID < minID {
		return core.Scope{}, errors.Newf(errors.ErrorTypeConfig,
			"max_id %d is below min_id %d", maxID, minID)
	}

	return core.Scope{
		Key:     scopeArg,
		BaseURL: root,
		Params: map[string]string{
			"min_id": strconv.Itoa(minID),
			"max_id": strconv.Itoa(maxID),
		},
	}, nil
}

// Entries enumerates the parcel id range of the scope.
func (s *AssessorSource) Entries(_ context.Context, sc core.Scope, _ *storage.Catalog) ([]string, error) {
	minID, err := strconv.Atoi(sc.Param("min_id", "1"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "min_id param")
	}
	maxID, err := strconv.Atoi(sc.Param("max_id", "0"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "max_id param")
	}
	if maxID < minID {
		return nil, errors.Newf(errors.ErrorTypeConfig, "max_id %d is below min_id %d", maxID, minID)
	}

	ids := make([]string, 0, maxID-minID+1)
	for id := minID; id <= maxID; id++ {
		ids = append(ids, strconv.Itoa(id))
	}
	return ids, nil
}

// KnownEntries returns the parcel ids already stored for the scope, in
// numeric order so a refresh walks the same way a load did.
func (s *AssessorSource) KnownEntries(_ context.Context, sc core.Scope, cat *storage.Catalog) ([]string, error) {
	ids, err := cat.DistinctStrings(sc.Key, "properties", "pid")
	if err != nil {
		return nil, err
	}

	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr != nil || berr != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	return ids, nil
}

// ScopeKeys lists the stored scopes that look like assessor sites.
func (s *AssessorSource) ScopeKeys(cat *storage.Catalog) ([]string, error) {
	scopes, err := cat.Scopes()
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, scope := range scopes {
		tables, err := cat.Tables(scope)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if t == "properties" {
				keys = append(keys, scope)
				break
			}
		}
	}
	return keys, nil
}

// Fetch downloads and parses one property card.
func (s *AssessorSource) Fetch(ctx context.Context, sc core.Scope, entryID string) (core.Payload, error) {
	pageURL := fmt.Sprintf("%sParcel.aspx?pid=%s", sc.BaseURL, entryID)
	body, err := s.Client().GetBody(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseParcel(body, entryID, pageURL, s.Logger())
}

// flattenedTables are the payload keys copied through as whole tables.
var flattenedTables = []string{"ownership", "appraisals", "assessments", "extra_features", "outbuildings"}

// Flatten splits payloads into table rows. Properties are deduplicated by
// uuid, building construction details become columns, and sub-areas move to
// their own table carrying the building's identifiers.
func (s *AssessorSource) Flatten(results []core.Payload) (core.Tables, error) {
	tables := make(core.Tables)
	seen := make(map[string]bool)

	for _, result := range results {
		prop, ok := result["property"].(map[string]interface{})
		if !ok {
			return nil, errors.New(errors.ErrorTypeData, "payload carries no property")
		}
		id, _ := prop["uuid"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		tables["properties"] = append(tables["properties"], prop)

		buildings, _ := result["buildings"].([]map[string]interface{})
		for _, building := range buildings {
			flat := make(map[string]interface{}, len(building))
			for k, v := range building {
				if k == "construction" || k == "sub_areas" {
					continue
				}
				flat[k] = v
			}

			construction, _ := building["construction"].(map[string]string)
			extra := make(map[string]string)
			for key, val := range construction {
				if col, ok := constructionColumns[key]; ok {
					flat[col] = val
				} else {
					extra[key] = val
				}
			}
			if len(extra) > 0 {
				blob, _ := json.Marshal(extra)
				flat["extra_fields"] = string(blob)
			}
			tables["buildings"] = append(tables["buildings"], flat)

			subAreas, _ := building["sub_areas"].([]map[string]interface{})
			for _, sa := range subAreas {
				row := make(map[string]interface{}, len(sa)+3)
				for k, v := range sa {
					row[k] = v
				}
				row["property_uuid"] = building["property_uuid"]
				row["pid"] = building["pid"]
				row["bid"] = building["bid"]
				tables["sub_areas"] = append(tables["sub_areas"], row)
			}
		}

		for _, key := range flattenedTables {
			if rows, _ := result[key].([]map[string]interface{}); len(rows) > 0 {
				tables[key] = append(tables[key], rows...)
			}
		}
	}
	return tables, nil
}

// PhotoItems lists the building photos of a fetched entry. Empty unless
// photo downloads are enabled in the source settings.
func (s *AssessorSource) PhotoItems(p core.Payload, sc core.Scope, entryID string) []core.PhotoItem {
	if !s.cfg.Photos {
		return nil
	}

	buildings, _ := p["buildings"].([]map[string]interface{})
	var items []core.PhotoItem
	for _, b := range buildings {
		if u, ok := b["photo_url"].(string); ok && u != "" {
			items = append(items, core.PhotoItem{URL: u, ScopeKey: sc.Key, EntryID: entryID})
		}
	}
	return items
}

// DownloadPhoto stores one photo as <dir>/<site>/<pid>.jpg. Photos already
// on disk are not fetched again.
func (s *AssessorSource) DownloadPhoto(ctx context.Context, item core.PhotoItem, dir string) (string, error) {
	if strings.Contains(strings.ToLower(item.URL), "default.jpg") {
		return "", nil
	}

	siteDir := filepath.Join(dir, item.ScopeKey)
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "create photo directory")
	}

	localPath := filepath.Join(siteDir, item.EntryID+".jpg")
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	body, err := s.Client().GetBody(ctx, item.URL)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStorage, "write photo")
	}

	s.Logger().Debug("photo downloaded",
		zap.String("pid", item.EntryID), zap.String("path", localPath))
	return localPath, nil
}
