package assessor

import (
	"github.com/trawler-io/trawler/pkg/connector/registry"
)

func init() {
	registry.RegisterSource(sourceKey, NewAssessorSource)

	registry.RegisterInfo(&registry.SourceInfo{
		Key:         sourceKey,
		Description: "Municipal assessor property cards scraped from hosted assessor sites",
		Scopes:      "one scope per site key from the site directory, e.g. avonct",
		Tables: []string{
			"properties", "buildings", "sub_areas", "ownership",
			"appraisals", "assessments", "extra_features", "outbuildings",
		},
	})
}
