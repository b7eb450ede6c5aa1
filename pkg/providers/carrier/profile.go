package carrier

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// IDPlaceholder is replaced by the escaped tracking id in Profile.URL.
const IDPlaceholder = "{id}"

// Profile describes how to read the current status of a shipment from one
// carrier portal.
type Profile struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	// URL is the page to open. When it contains {id} the tracking id is
	// substituted and no input is typed.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// InputSelectors are tried together; the first visible match receives
	// the tracking id followed by Enter.
	InputSelectors []string `yaml:"input_selectors" json:"input_selectors"`

	// ExpectNewPage follows the tab opened by submitting the input.
	ExpectNewPage bool `yaml:"expect_new_page" json:"expect_new_page"`

	// StatusSelectors are tried in order; the first non-empty text wins.
	StatusSelectors []string `yaml:"status_selectors" json:"status_selectors" validate:"min=1,dive,required"`

	// CookieButtonTexts match (case-insensitively) buttons to click away
	// consent banners.
	CookieButtonTexts []string `yaml:"cookie_button_texts" json:"cookie_button_texts"`

	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout" validate:"gte=0"`
	ElementTimeout    time.Duration `yaml:"element_timeout" json:"element_timeout" validate:"gte=0"`
	NewPageTimeout    time.Duration `yaml:"new_page_timeout" json:"new_page_timeout" validate:"gte=0"`
}

var builtin = map[string]Profile{
	"interrapidisimo": {
		Name:           "interrapidisimo",
		URL:            "https://interrapidisimo.com/sigue-tu-envio/",
		InputSelectors: []string{"#inputGuide", "#inputGuideMovil", "input.buscarGuiaInput"},
		ExpectNewPage:  true,
		StatusSelectors: []string{
			"div.content p.title-current-state + p.font-weight-600",
			"div.content p.font-weight-600",
			"p.guide-WhitOut-Novelty",
		},
		CookieButtonTexts: []string{"acept", "de acuerdo", "entendido"},
		NavigationTimeout: 45 * time.Second,
		ElementTimeout:    15 * time.Second,
		NewPageTimeout:    20 * time.Second,
	},
	"coordinadora": {
		Name: "coordinadora",
		URL:  "https://coordinadora.com/rastreo/rastreo-de-guia/detalle-de-rastreo-de-guia/?guia={id}",
		StatusSelectors: []string{
			".guia-estado-actual",
			".estado-guia strong",
			"div.detalle-rastreo .estado",
		},
		CookieButtonTexts: []string{"acept", "entendido"},
		NavigationTimeout: 45 * time.Second,
		ElementTimeout:    15 * time.Second,
	},
}

// Lookup returns the built-in profile with the given name.
func Lookup(name string) (Profile, bool) {
	p, ok := builtin[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, false
	}
	p.InputSelectors = append([]string(nil), p.InputSelectors...)
	p.StatusSelectors = append([]string(nil), p.StatusSelectors...)
	p.CookieButtonTexts = append([]string(nil), p.CookieButtonTexts...)
	return p, true
}

// Names lists the built-in profiles.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the profile fields and that it can address a tracking id
// either through the URL or through an input.
func (p Profile) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid carrier profile %q: %w", p.Name, err)
	}
	if !strings.Contains(p.URL, IDPlaceholder) && len(p.InputSelectors) == 0 {
		return fmt.Errorf("invalid carrier profile %q: url has no %s placeholder and no input selectors", p.Name, IDPlaceholder)
	}
	return nil
}

// URLFor returns the page to open for trackingID.
func (p Profile) URLFor(trackingID string) string {
	return strings.ReplaceAll(p.URL, IDPlaceholder, url.QueryEscape(trackingID))
}

// UsesInput reports whether the tracking id is typed into the page.
func (p Profile) UsesInput() bool {
	return !strings.Contains(p.URL, IDPlaceholder) && len(p.InputSelectors) > 0
}

func (p Profile) withDefaults() Profile {
	if p.NavigationTimeout == 0 {
		p.NavigationTimeout = 45 * time.Second
	}
	if p.ElementTimeout == 0 {
		p.ElementTimeout = 15 * time.Second
	}
	if p.NewPageTimeout == 0 {
		p.NewPageTimeout = 20 * time.Second
	}
	return p
}
