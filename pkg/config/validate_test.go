package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{} // Zero value
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	assert.Equal(t, "https://archive.org", cfg.ArchiveBaseURL)
	assert.Equal(t, "https://be-api.us.archive.org", cfg.RelatedBaseURL)
	assert.NotEmpty(t, cfg.UserAgent)
	assert.Equal(t, filepath.Join(xdg.DataHome, AppName), cfg.StateDir)
	assert.Equal(t, []string{filepath.Join(xdg.CacheHome, AppName)}, cfg.Directories)
	assert.Equal(t, 10, cfg.MaxRequests)
	assert.Equal(t, 4, cfg.MaxRequestsPerHost)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.SemaphoreAcquireTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectivityProbeInterval)
	assert.Equal(t, 15*time.Second, cfg.DirectoryRescanInterval)

	assert.Equal(t, 5*time.Minute, cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 100, cfg.HTTPClientSettings.MaxIdleConns)
	assert.Equal(t, 15*time.Second, cfg.HTTPClientSettings.DialerTimeout)

	assert.True(t, containsWarning(warnings, "state_dir is empty"))
	assert.True(t, containsWarning(warnings, "directories is empty"))
	assert.True(t, containsWarning(warnings, "max_requests should be > 0"))
}

func TestAppConfig_Validate_ValidConfig(t *testing.T) {
	cfg := AppConfig{
		ArchiveBaseURL:     "http://localhost:8080",
		StateDir:           "/state",
		Directories:        []string{"/mnt/usb/archiveorg/", "/var/cache/mirror"},
		MaxRequests:        20,
		MaxRequestsPerHost: 2,
		MaxRetries:         5,
		InitialRetryDelay:  2 * time.Second,
		MaxRetryDelay:      60 * time.Second,
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "http://localhost:8080", cfg.ArchiveBaseURL)
	assert.Equal(t, []string{"/mnt/usb/archiveorg", "/var/cache/mirror"}, cfg.Directories)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestAppConfig_Validate_Errors(t *testing.T) {
	cfg := AppConfig{ArchiveBaseURL: "not a url"}
	_, err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}

func TestAppConfig_Validate_NegativeValues(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*AppConfig)
		wantWarning string
		check       func(*testing.T, *AppConfig)
	}{
		{
			name: "negative max_retries",
			setup: func(c *AppConfig) {
				c.MaxRetries = -1
				c.InitialRetryDelay = 1 * time.Second // Prevent default of 3 retries
			},
			wantWarning: "max_retries cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, 0, c.MaxRetries)
			},
		},
		{
			name:        "negative per_task_timeout",
			setup:       func(c *AppConfig) { c.PerTaskTimeout = -time.Second },
			wantWarning: "per_task_timeout cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, time.Duration(0), c.PerTaskTimeout)
			},
		},
		{
			name:        "negative rate",
			setup:       func(c *AppConfig) { c.RequestsPerSecondPerHost = -2 },
			wantWarning: "requests_per_second_per_host cannot be negative",
			check: func(t *testing.T, c *AppConfig) {
				assert.Equal(t, float64(0), c.RequestsPerSecondPerHost)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{}
			tt.setup(&cfg)

			warnings, err := cfg.Validate()

			require.NoError(t, err)
			assert.True(t, containsWarning(warnings, tt.wantWarning),
				"expected warning containing %q, got %v", tt.wantWarning, warnings)
			tt.check(t, &cfg)
		})
	}
}

func TestAppConfig_Validate_RetryDelayInversion(t *testing.T) {
	cfg := AppConfig{
		MaxRetries:        3,
		InitialRetryDelay: 60 * time.Second, // Greater than max
		MaxRetryDelay:     10 * time.Second,
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.True(t, containsWarning(warnings, "initial_retry_delay"))
	assert.Equal(t, 10*time.Second, cfg.InitialRetryDelay)
}

func TestCrawlConfig_Validate_Defaults(t *testing.T) {
	cfg := CrawlConfig{
		Tasks: []SeedSpec{{Identifier: Identifiers{"prelinger"}}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, DefaultDetailsSearch(), cfg.DefaultDetailsSearch)
	assert.Equal(t, DefaultDetailsRelated(), cfg.DefaultDetailsRelated)
	assert.Equal(t, models.LevelDetails, cfg.Tasks[0].Level)
	assert.True(t, containsWarning(warnings, "tasks[0] has no level"))
}

func TestCrawlConfig_Validate_NestedLevels(t *testing.T) {
	cfg := CrawlConfig{
		Tasks: []SeedSpec{{
			Query: "collection:prelinger",
			Level: "TILE",
			Search: models.Search{
				{Sort: "-downloads", Rows: 10},
				{Sort: "titleSorter", Rows: 5, Level: models.LevelTile},
			},
			Related: &models.RelatedSpec{Rows: 3},
		}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	seed := cfg.Tasks[0]
	assert.Equal(t, models.LevelTile, seed.Level)
	assert.Equal(t, models.LevelTile, seed.Search[0].Level)
	assert.Equal(t, models.LevelTile, seed.Related.Level)
	assert.True(t, containsWarning(warnings, "tasks[0].search[0] has no level"))
	assert.True(t, containsWarning(warnings, "tasks[0].search[1] sort"))
	assert.True(t, containsWarning(warnings, "tasks[0].related has no level"))
}

func TestCrawlConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  CrawlConfig
		want string
	}{
		{
			name: "unknown seed level",
			cfg:  CrawlConfig{Tasks: []SeedSpec{{Identifier: Identifiers{"x"}, Level: "full"}}},
			want: "tasks[0]",
		},
		{
			name: "negative rows",
			cfg: CrawlConfig{Tasks: []SeedSpec{{Identifier: Identifiers{"x"}, Level: models.LevelTile,
				Search: models.Search{{Rows: -1, Level: models.LevelTile}}}}},
			want: "tasks[0].search[0]",
		},
		{
			name: "bad nested related level",
			cfg: CrawlConfig{DefaultDetailsRelated: &models.RelatedSpec{Rows: 1, Level: models.LevelTile,
				Related: &models.RelatedSpec{Rows: 1, Level: "deep"}}},
			want: "default_details_related.related",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrConfigValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCrawlConfig_Validate_ClampsNegatives(t *testing.T) {
	cfg := CrawlConfig{
		Concurrency:     -3,
		MaxFileSize:     -1,
		TotalTaskBudget: -1,
		Destination:     "/mnt/usb/mirror/",
		Tasks:           []SeedSpec{{Identifier: Identifiers{"x"}, Level: models.LevelTile}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, int64(0), cfg.MaxFileSize)
	assert.Equal(t, 0, cfg.TotalTaskBudget)
	assert.Equal(t, "/mnt/usb/mirror", cfg.Destination)
	assert.True(t, containsWarning(warnings, "concurrency should be > 0"))
	assert.True(t, containsWarning(warnings, "max_file_size cannot be negative"))
}

func TestAppConfig_Crawl(t *testing.T) {
	app := AppConfig{Crawls: map[string]CrawlConfig{
		"books": {Tasks: []SeedSpec{{Identifier: Identifiers{"x"}}}},
		"films": {Name: "Film archive"},
	}}

	cfg, _, err := app.Crawl("books")
	require.NoError(t, err)
	assert.Equal(t, "books", cfg.Name, "name defaults to the map key")
	assert.Equal(t, models.LevelDetails, cfg.Tasks[0].Level)
	assert.Empty(t, app.Crawls["books"].Tasks[0].Level, "the stored seeds are left as written")

	cfg, _, err = app.Crawl("films")
	require.NoError(t, err)
	assert.Equal(t, "Film archive", cfg.Name)

	_, _, err = app.Crawl("music")
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))

	assert.Equal(t, []string{"books", "films"}, app.CrawlNames())
}

// containsWarning checks if any warning contains the substring.
func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
