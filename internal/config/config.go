package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lineprov/internal/logging"
	"lineprov/internal/records"

	"gopkg.in/yaml.v3"
)

// Config holds all lineprov settings.
type Config struct {
	// Operator login for LINE Business ID
	Login LoginConfig `yaml:"login"`

	// Spreadsheet holding the account rows
	Sheet SheetConfig `yaml:"sheet"`

	// Column letters per field ("-" = not mapped)
	Columns ColumnsConfig `yaml:"columns"`

	// Per-run options
	Options OptionsConfig `yaml:"options"`

	// Stealth browser profile and pacing
	Browser BrowserConfig `yaml:"browser"`

	// Target site URLs and form constants
	Site SiteConfig `yaml:"site"`

	// Verification challenge handling
	Challenge ChallengeConfig `yaml:"challenge"`

	// Run loop pacing
	Run RunConfig `yaml:"run"`

	// Local files
	Paths PathsConfig `yaml:"paths"`

	// Object storage for s3:// media references
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging logging.Config `yaml:"logging"`
}

// LoginConfig holds the business account credentials.
type LoginConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// SheetConfig locates the record source.
type SheetConfig struct {
	URL             string `yaml:"url"`  // Google Sheets URL or local .csv path
	Name            string `yaml:"name"` // Worksheet (tab) name
	CredentialsFile string `yaml:"credentials_file"`
	HeaderRows      int    `yaml:"header_rows"`
	MaxAccounts     int    `yaml:"max_accounts"`
}

// ColumnsConfig maps record fields to column letters.
type ColumnsConfig struct {
	Enabled         string `yaml:"enabled"`
	Name            string `yaml:"name"`
	Icon            string `yaml:"icon"`
	BasicID         string `yaml:"basic_id"`
	AccessToken     string `yaml:"access_token"`
	PermissionLink  string `yaml:"permission_link"`
	FriendLink      string `yaml:"friend_link"`
	BusinessAccount string `yaml:"business_account"`
}

// OptionsConfig holds the operator toggles.
type OptionsConfig struct {
	IconSavePath      string `yaml:"icon_save_path"`
	BizManagerEnabled bool   `yaml:"biz_manager_enabled"`
	BizManagerName    string `yaml:"biz_manager_name"`
	Headless          bool   `yaml:"headless"`
}

// Viewport is one entry of the viewport pool.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// BrowserConfig configures the stealth controller.
type BrowserConfig struct {
	Bin               string     `yaml:"bin"`
	Args              []string   `yaml:"args"`
	UserAgents        []string   `yaml:"user_agents"`
	Viewports         []Viewport `yaml:"viewports"`
	Locale            string     `yaml:"locale"`
	Timezone          string     `yaml:"timezone"`
	ActionDelayMinMs  int        `yaml:"action_delay_min_ms"`
	ActionDelayMaxMs  int        `yaml:"action_delay_max_ms"`
	TypingDelayMinMs  int        `yaml:"typing_delay_min_ms"`
	TypingDelayMaxMs  int        `yaml:"typing_delay_max_ms"`
	MouseStepsMin     int        `yaml:"mouse_steps_min"`
	MouseStepsMax     int        `yaml:"mouse_steps_max"`
	BezierOffset      int        `yaml:"bezier_offset"`
	NavigationTimeout string     `yaml:"navigation_timeout"`
	ElementTimeout    string     `yaml:"element_timeout"`
}

// SiteConfig holds the target URLs.
type SiteConfig struct {
	LoginURL      string `yaml:"login_url"`
	ManagerURL    string `yaml:"manager_url"`
	DevelopersURL string `yaml:"developers_url"`
	EntryURL      string `yaml:"entry_url"`
	PageURL       string `yaml:"page_url"`
	CategoryGroup string `yaml:"category_group"`
	Category      string `yaml:"category"`
}

// ChallengeConfig configures the challenge gate.
type ChallengeConfig struct {
	FallbackWait string   `yaml:"fallback_wait"`
	Selectors    []string `yaml:"selectors"`
	MinSizePx    float64  `yaml:"min_size_px"`
}

// RunConfig configures the supervisor.
type RunConfig struct {
	InterRecordDelay string `yaml:"inter_record_delay"`
}

// PathsConfig holds local file locations.
type PathsConfig struct {
	SessionFile string `yaml:"session_file"`
	LedgerDB    string `yaml:"ledger_db"`
	DebugDir    string `yaml:"debug_dir"`
	ControlDir  string `yaml:"control_dir"`
}

// StorageConfig configures the S3-compatible store for s3:// media.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Sheet: SheetConfig{
			CredentialsFile: "config/google_credentials.json",
			HeaderRows:      2,
			MaxAccounts:     100,
		},
		Columns: ColumnsConfig{
			Enabled:         "A",
			Name:            "B",
			Icon:            "C",
			BasicID:         "-",
			AccessToken:     "-",
			PermissionLink:  "-",
			FriendLink:      "-",
			BusinessAccount: "-",
		},
		Options: OptionsConfig{
			IconSavePath: "icons",
		},
		Browser: BrowserConfig{
			Args: []string{
				"--disable-blink-features=AutomationControlled",
				"--disable-dev-shm-usage",
				"--no-sandbox",
				"--disable-setuid-sandbox",
				"--disable-infobars",
				"--start-maximized",
			},
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			},
			Viewports: []Viewport{
				{Width: 1920, Height: 1080},
				{Width: 1366, Height: 768},
				{Width: 1536, Height: 864},
				{Width: 1440, Height: 900},
				{Width: 2560, Height: 1440},
			},
			Locale:            "ja-JP",
			Timezone:          "Asia/Tokyo",
			ActionDelayMinMs:  500,
			ActionDelayMaxMs:  1500,
			TypingDelayMinMs:  20,
			TypingDelayMaxMs:  100,
			MouseStepsMin:     20,
			MouseStepsMax:     40,
			BezierOffset:      50,
			NavigationTimeout: "30s",
			ElementTimeout:    "10s",
		},
		Site: SiteConfig{
			LoginURL:      "https://account.line.biz/login?redirectUri=https%3A%2F%2Fmanager.line.biz%2F",
			ManagerURL:    "https://manager.line.biz/",
			DevelopersURL: "https://developers.line.biz/console",
			EntryURL:      "https://entry.line.biz/form/entry/unverified",
			PageURL:       "https://page.line.biz/account/",
			CategoryGroup: "71",
			Category:      "595",
		},
		Challenge: ChallengeConfig{
			FallbackWait: "60s",
			Selectors: []string{
				`iframe[src*="recaptcha"]`,
				`iframe[title*="reCAPTCHA"]`,
				`.g-recaptcha`,
				`#recaptcha`,
				`div[data-sitekey]`,
			},
			MinSizePx: 10,
		},
		Run: RunConfig{
			InterRecordDelay: "2s",
		},
		Paths: PathsConfig{
			SessionFile: "config/session.json",
			LedgerDB:    "data/lineprov.db",
			DebugDir:    "debug",
			ControlDir:  "control",
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Logging: logging.Config{
			Level:   "info",
			Dir:     "logs",
			Console: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINEPROV_EMAIL"); v != "" {
		c.Login.Email = v
	}
	if v := os.Getenv("LINEPROV_PASSWORD"); v != "" {
		c.Login.Password = v
	}
	if v := os.Getenv("LINEPROV_SHEET_URL"); v != "" {
		c.Sheet.URL = v
	}
	if v := os.Getenv("LINEPROV_SHEET_NAME"); v != "" {
		c.Sheet.Name = v
	}
	if v := os.Getenv("LINEPROV_CREDENTIALS"); v != "" {
		c.Sheet.CredentialsFile = v
	}
	if v := os.Getenv("LINEPROV_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Options.Headless = b
		}
	}
	if v := os.Getenv("LINEPROV_S3_ENDPOINT"); v != "" {
		c.Storage.Endpoint = v
	}
	if v := os.Getenv("LINEPROV_S3_ACCESS_KEY"); v != "" {
		c.Storage.AccessKey = v
	}
	if v := os.Getenv("LINEPROV_S3_SECRET_KEY"); v != "" {
		c.Storage.SecretKey = v
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetNavigationTimeout returns the page load timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetElementTimeout returns the per-element readiness timeout.
func (c *Config) GetElementTimeout() time.Duration {
	return parseDuration(c.Browser.ElementTimeout, 10*time.Second)
}

// GetChallengeFallbackWait returns the timed wait used without a control surface.
func (c *Config) GetChallengeFallbackWait() time.Duration {
	return parseDuration(c.Challenge.FallbackWait, 60*time.Second)
}

// GetInterRecordDelay returns the pause between records.
func (c *Config) GetInterRecordDelay() time.Duration {
	return parseDuration(c.Run.InterRecordDelay, 2*time.Second)
}

// BizManagerName returns the organization name when the toggle is on.
func (c *Config) BizManagerName() string {
	if !c.Options.BizManagerEnabled {
		return ""
	}
	return strings.TrimSpace(c.Options.BizManagerName)
}

// Mapping returns the column mapping for the record source.
func (c *Config) Mapping() records.Mapping {
	col := func(s string) string {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return records.Unmapped
		}
		return s
	}
	return records.Mapping{
		Enabled:         col(c.Columns.Enabled),
		Name:            col(c.Columns.Name),
		Icon:            col(c.Columns.Icon),
		BasicID:         col(c.Columns.BasicID),
		AccessToken:     col(c.Columns.AccessToken),
		PermissionLink:  col(c.Columns.PermissionLink),
		FriendLink:      col(c.Columns.FriendLink),
		BusinessAccount: col(c.Columns.BusinessAccount),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Login.Email) == "" || c.Login.Password == "" {
		return fmt.Errorf("login email and password are required (set LINEPROV_EMAIL / LINEPROV_PASSWORD)")
	}
	if strings.TrimSpace(c.Sheet.URL) == "" {
		return fmt.Errorf("sheet url is required")
	}
	if strings.TrimSpace(c.Sheet.Name) == "" && !strings.HasSuffix(strings.ToLower(c.Sheet.URL), ".csv") {
		return fmt.Errorf("sheet name is required")
	}
	for field, col := range map[string]string{
		"enabled": c.Columns.Enabled,
		"name":    c.Columns.Name,
	} {
		if col == "" || col == "-" {
			return fmt.Errorf("column %q must be mapped", field)
		}
	}
	if c.Options.BizManagerEnabled && c.BizManagerName() == "" {
		return fmt.Errorf("biz_manager_name is required when biz_manager_enabled is set")
	}
	if c.Browser.ActionDelayMinMs > c.Browser.ActionDelayMaxMs {
		return fmt.Errorf("action delay min (%d) exceeds max (%d)", c.Browser.ActionDelayMinMs, c.Browser.ActionDelayMaxMs)
	}
	if c.Browser.TypingDelayMinMs > c.Browser.TypingDelayMaxMs {
		return fmt.Errorf("typing delay min (%d) exceeds max (%d)", c.Browser.TypingDelayMinMs, c.Browser.TypingDelayMaxMs)
	}
	if c.Browser.MouseStepsMin <= 0 || c.Browser.MouseStepsMin > c.Browser.MouseStepsMax {
		return fmt.Errorf("invalid mouse step range %d..%d", c.Browser.MouseStepsMin, c.Browser.MouseStepsMax)
	}
	return nil
}
