package config

import "fmt"

// SourcesConfig carries the per-source settings. Each source reads only its
// own section.
type SourcesConfig struct {
	Assessor AssessorConfig `yaml:"assessor" json:"assessor"`
	CTData   CTDataConfig   `yaml:"ct_data" json:"ct_data"`
}

// AssessorConfig configures the municipal assessor source.
type AssessorConfig struct {
	// MinID and MaxID bound the property id space enumerated on a full load.
	MinID int `yaml:"min_id" json:"min_id"`
	MaxID int `yaml:"max_id" json:"max_id"`
	// BaseURL overrides the site URL resolved from the shared metadata; when
	// empty the scope's registered site is used.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Photos enables best-effort photo downloads after each fetched entry.
	Photos bool `yaml:"photos" json:"photos"`
}

// CTDataConfig configures the state open-data source.
type CTDataConfig struct {
	// BaseURL is the resource root of the open-data API.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// AppToken raises the API's rate limits when set. Usually supplied via
	// ${CT_APP_TOKEN} substitution.
	AppToken string `yaml:"app_token" json:"app_token"`
	// PageSize is the number of records requested per page.
	PageSize int `yaml:"page_size" json:"page_size"`
	// Since restricts a run to records updated on or after this date
	// (YYYY-MM-DD); empty fetches everything.
	Since string `yaml:"since" json:"since"`
}

// DefaultSourcesConfig returns the source defaults.
func DefaultSourcesConfig() SourcesConfig {
	return SourcesConfig{
		Assessor: AssessorConfig{
			MinID:  1,
			MaxID:  150000,
			Photos: false,
		},
		CTData: CTDataConfig{
			BaseURL:  "https://data.ct.gov/resource",
			PageSize: 50000,
		},
	}
}

func (s *SourcesConfig) validate() error {
	if s.Assessor.MinID < 1 {
		return fmt.Errorf("sources.assessor.min_id must be at least 1")
	}
	if s.Assessor.MaxID < s.Assessor.MinID {
		return fmt.Errorf("sources.assessor.max_id must not be below min_id")
	}
	if s.CTData.BaseURL == "" {
		return fmt.Errorf("sources.ct_data.base_url is required")
	}
	if s.CTData.PageSize < 1 {
		return fmt.Errorf("sources.ct_data.page_size must be at least 1")
	}
	return nil
}
