package ctdata

import (
	"github.com/trawler-io/trawler/pkg/connector/registry"
)

func init() {
	registry.RegisterSource(sourceKey, NewCTDataSource)

	registry.RegisterInfo(&registry.SourceInfo{
		Key:         sourceKey,
		Description: "Connecticut business registry datasets from the state open-data API",
		Scopes:      "single statewide scope, defaults to ct_data",
		Tables:      []string{"businesses", "filings", "agents", "principals", "name_changes"},
	})
}
