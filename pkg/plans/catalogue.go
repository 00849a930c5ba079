package plans

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Unlimited marks a limit with no ceiling
const Unlimited int64 = -1

// FeatureDef describes a boolean plan feature
type FeatureDef struct {
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Reset controls when a limit's usage counter starts over
type Reset string

const (
	// ResetMonthly counters start over every calendar month (UTC)
	ResetMonthly Reset = "monthly"
	// ResetNever counters track a standing total, such as connected accounts
	ResetNever Reset = "never"
)

// LimitDef describes a countable plan limit
type LimitDef struct {
	Label  string `yaml:"label" json:"label"`
	Suffix string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Reset  Reset  `yaml:"reset,omitempty" json:"reset,omitempty"`
}

// Monthly reports whether the limit resets each billing period
func (d LimitDef) Monthly() bool {
	return d.Reset != ResetNever
}

// Plan is a named bundle of features and limits
type Plan struct {
	ID       string           `yaml:"-" json:"id"`
	Name     string           `yaml:"name" json:"name"`
	Features []string         `yaml:"features" json:"features"`
	Limits   map[string]int64 `yaml:"limits" json:"limits"`
}

// HasFeature reports whether the plan enables a feature
func (p *Plan) HasFeature(key string) bool {
	for _, f := range p.Features {
		if f == key {
			return true
		}
	}
	return false
}

// Limit returns the ceiling for a limit key. ok is false when the plan
// does not cap the key, either by omission or by an explicit -1.
func (p *Plan) Limit(key string) (limit int64, ok bool) {
	v, found := p.Limits[key]
	if !found || v < 0 {
		return Unlimited, false
	}
	return v, true
}

// Catalogue holds the feature, limit and plan definitions
type Catalogue struct {
	Features map[string]FeatureDef `yaml:"features"`
	Limits   map[string]LimitDef   `yaml:"limits"`
	Plans    map[string]*Plan      `yaml:"plans"`
}

// Provider yields the catalogue in effect
type Provider interface {
	Current() *Catalogue
}

// Current implements Provider for a static catalogue
func (c *Catalogue) Current() *Catalogue { return c }

// Plan looks up a plan by ID
func (c *Catalogue) Plan(id string) (*Plan, bool) {
	p, ok := c.Plans[id]
	return p, ok
}

// FeatureLabel returns the display label of a feature, falling back to its key
func (c *Catalogue) FeatureLabel(key string) string {
	if f, ok := c.Features[key]; ok && f.Label != "" {
		return f.Label
	}
	return key
}

// LimitLabel returns the display label of a limit, falling back to its key
func (c *Catalogue) LimitLabel(key string) string {
	if l, ok := c.Limits[key]; ok && l.Label != "" {
		return l.Label
	}
	return key
}

// LimitResetsMonthly reports whether usage of key is counted per billing period.
// Undefined limits are treated as monthly.
func (c *Catalogue) LimitResetsMonthly(key string) bool {
	l, ok := c.Limits[key]
	return !ok || l.Monthly()
}

// LimitKeys returns all defined limit keys in sorted order
func (c *Catalogue) LimitKeys() []string {
	keys := make([]string, 0, len(c.Limits))
	for k := range c.Limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every plan references only defined features and limits
func (c *Catalogue) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("catalogue defines no plans")
	}
	for key, l := range c.Limits {
		if l.Reset != "" && l.Reset != ResetMonthly && l.Reset != ResetNever {
			return fmt.Errorf("limit %s: unknown reset %q", key, l.Reset)
		}
	}
	for id, p := range c.Plans {
		for _, f := range p.Features {
			if _, ok := c.Features[f]; !ok {
				return fmt.Errorf("plan %s: unknown feature %q", id, f)
			}
		}
		for k, v := range p.Limits {
			if _, ok := c.Limits[k]; !ok {
				return fmt.Errorf("plan %s: unknown limit %q", id, k)
			}
			if v < Unlimited {
				return fmt.Errorf("plan %s: limit %s must be >= -1, got %d", id, k, v)
			}
		}
	}
	return nil
}

// ParseCatalogue decodes and validates a YAML catalogue
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue: %w", err)
	}
	for id, p := range c.Plans {
		if p == nil {
			return nil, fmt.Errorf("plan %s is empty", id)
		}
		p.ID = id
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalogue reads a YAML catalogue from disk
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue %s: %w", path, err)
	}
	return ParseCatalogue(data)
}

// DefaultCatalogue returns the built-in plan catalogue
func DefaultCatalogue() *Catalogue {
	c := &Catalogue{
		Features: map[string]FeatureDef{
			"hr_tasks":         {Label: "HR vazifalar"},
			"hr_bot":           {Label: "HR Telegram bot"},
			"anti_fraud":       {Label: "Anti-fraud himoya"},
			"diagnostics":      {Label: "Biznes diagnostika"},
			"algorithms":       {Label: "Tahlil algoritmlari"},
			"advanced_reports": {Label: "Kengaytirilgan hisobotlar"},
		},
		Limits: map[string]LimitDef{
			"users":              {Label: "Foydalanuvchilar", Suffix: "ta", Reset: ResetNever},
			"branches":           {Label: "Filiallar", Suffix: "ta", Reset: ResetNever},
			"instagram_accounts": {Label: "Instagram akkauntlar", Suffix: "ta", Reset: ResetNever},
			"monthly_leads":      {Label: "Oylik lidlar", Suffix: "ta", Reset: ResetMonthly},
			"ai_call_minutes":    {Label: "AI qo'ng'iroq daqiqalari", Suffix: "daqiqa", Reset: ResetMonthly},
			"chatbot_channels":   {Label: "Chatbot kanallar", Suffix: "ta", Reset: ResetNever},
			"telegram_bots":      {Label: "Telegram botlar", Suffix: "ta", Reset: ResetNever},
			"ai_requests":        {Label: "AI so'rovlar", Suffix: "ta", Reset: ResetMonthly},
			"storage_mb":         {Label: "Fayl xotirasi", Suffix: "MB", Reset: ResetNever},
			"reports":            {Label: "Hisobotlar", Suffix: "ta", Reset: ResetMonthly},
			"diagnostics":        {Label: "Diagnostikalar", Suffix: "ta", Reset: ResetMonthly},
		},
		Plans: map[string]*Plan{
			"free": {
				Name:     "Free",
				Features: []string{"diagnostics"},
				Limits: map[string]int64{
					"users": 1, "branches": 1, "instagram_accounts": 1, "monthly_leads": 50,
					"ai_call_minutes": 0, "chatbot_channels": 1, "telegram_bots": 1,
					"ai_requests": 20, "storage_mb": 100, "reports": 5, "diagnostics": 3,
				},
			},
			"start": {
				Name:     "Start",
				Features: []string{"diagnostics", "algorithms", "hr_tasks"},
				Limits: map[string]int64{
					"users": 3, "branches": 1, "instagram_accounts": 2, "monthly_leads": 500,
					"ai_call_minutes": 60, "chatbot_channels": 2, "telegram_bots": 2,
					"ai_requests": 500, "storage_mb": 1024, "reports": 50, "diagnostics": 30,
				},
			},
			"business": {
				Name:     "Business",
				Features: []string{"diagnostics", "algorithms", "hr_tasks", "hr_bot", "advanced_reports"},
				Limits: map[string]int64{
					"users": 10, "branches": 5, "instagram_accounts": 5, "monthly_leads": 5000,
					"ai_call_minutes": 600, "chatbot_channels": 5, "telegram_bots": 5,
					"ai_requests": 5000, "storage_mb": 10240, "reports": 500, "diagnostics": 300,
				},
			},
			"premium": {
				Name:     "Premium",
				Features: []string{"diagnostics", "algorithms", "hr_tasks", "hr_bot", "advanced_reports", "anti_fraud"},
				Limits: map[string]int64{
					"users": Unlimited, "branches": Unlimited, "instagram_accounts": 20, "monthly_leads": Unlimited,
					"ai_call_minutes": 3000, "chatbot_channels": Unlimited, "telegram_bots": Unlimited,
					"ai_requests": Unlimited, "storage_mb": 102400, "reports": Unlimited, "diagnostics": Unlimited,
				},
			},
		},
	}
	for id, p := range c.Plans {
		p.ID = id
	}
	return c
}
