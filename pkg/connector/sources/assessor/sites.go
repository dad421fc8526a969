package assessor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/trawler-io/trawler/pkg/clients"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/json"
	"github.com/trawler-io/trawler/pkg/storage"
)

const (
	sitesFileName       = "assessor_sites.json"
	defaultDirectoryURL = "https://www.vgsi.com/connecticut-online-database/"
)

// Site is one municipality's hosted assessor database. The directory maps
// site keys (municipality name plus state suffix, e.g. avonct) to sites.
type Site struct {
	Name  string `json:"name"`
	State string `json:"state"`
	URL   string `json:"url"`
}

var (
	// siteLinkPattern recognizes links into hosted assessor databases on the
	// vendor's directory page.
	siteLinkPattern = regexp.MustCompile(`https://gis\.vgsi\.com/`)
	// siteKeyPattern pulls the municipality token out of such a link.
	siteKeyPattern = regexp.MustCompile(`([\w]{2,}([cC][Tt])+)`)
)

// loadSites reads the site directory from the shared metadata directory.
func loadSites(cat *storage.Catalog) (map[string]Site, error) {
	f, err := os.Open(cat.MetaPath(sitesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrorTypeConfig,
				"no site directory; run `trawler admin assessor fetch-sites` or pass --base-url")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read site directory")
	}
	defer f.Close()

	var sites map[string]Site
	if err := json.UnmarshalFromReader(f, &sites); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode site directory")
	}
	return sites, nil
}

// saveSites writes the site directory via a temp file and rename, so readers
// never see a partial file.
func saveSites(cat *storage.Catalog, sites map[string]Site) error {
	path := cat.MetaPath(sitesFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create metadata directory")
	}

	data, err := json.MarshalIndent(sites, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "encode site directory")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "write site directory")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeStorage, "replace site directory")
	}
	return nil
}

// fetchSiteDirectory scrapes the vendor's public directory page for links to
// hosted sites and keys them by municipality token.
func fetchSiteDirectory(ctx context.Context, client *clients.HTTPClient, dirURL string) (map[string]Site, error) {
	body, err := client.GetBody(ctx, dirURL)
	if err != nil {
		return nil, err
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parse site directory page")
	}

	sites := make(map[string]Site)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrVal(n, "href")
			if siteLinkPattern.MatchString(href) {
				if m := siteKeyPattern.FindStringSubmatch(href); m != nil {
					key := strings.ToLower(m[1])
					sites[key] = Site{
						Name:  nodeText(n),
						State: key[len(key)-2:],
						URL:   href,
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)

	if len(sites) == 0 {
		return nil, errors.Newf(errors.ErrorTypeData,
			"no site links recognized on %s, the page layout may have changed", dirURL)
	}
	return sites, nil
}

// RunAdmin handles source maintenance actions. fetch-sites rebuilds the site
// directory from the vendor's public page; an optional second argument
// overrides the page URL.
func (s *AssessorSource) RunAdmin(ctx context.Context, cat *storage.Catalog, args []string) error {
	if len(args) == 0 || args[0] != "fetch-sites" {
		return errors.Newf(errors.ErrorTypeConfig,
			"unknown admin action %q, supported: fetch-sites [url]", strings.Join(args, " "))
	}

	dirURL := defaultDirectoryURL
	if len(args) > 1 {
		dirURL = args[1]
	}

	s.Logger().Info("fetching site directory", zap.String("url", dirURL))
	sites, err := fetchSiteDirectory(ctx, s.Client(), dirURL)
	if err != nil {
		return err
	}
	if err := saveSites(cat, sites); err != nil {
		return err
	}

	s.Logger().Info("site directory updated",
		zap.Int("sites", len(sites)),
		zap.String("path", cat.MetaPath(sitesFileName)))
	return nil
}
