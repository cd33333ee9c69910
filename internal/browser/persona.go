// File: internal/browser/persona.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/registrar/internal/config"
)

// hideAutomation removes the navigator.webdriver flag that headless Chrome sets.
const hideAutomation = `Object.defineProperty(Navigator.prototype, 'webdriver', {get: () => undefined, configurable: true});`

// Persona is applied to every tab before its first navigation so the signup
// and post-verification sessions look like the same ordinary browser.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// PersonaFromConfig copies the configured persona.
func PersonaFromConfig(cfg config.PersonaConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: append([]string(nil), cfg.Languages...),
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// AcceptLanguage renders Languages as an Accept-Language header value with
// descending quality weights.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		q := 10 - i
		switch {
		case i == 0:
			parts = append(parts, lang)
		case q > 1:
			parts = append(parts, fmt.Sprintf("%s;q=0.%d", lang, q))
		default:
			parts = append(parts, lang+";q=0.1")
		}
	}
	return strings.Join(parts, ",")
}

// script builds the document-start script for this persona.
func (p Persona) script() string {
	var b strings.Builder
	b.WriteString(hideAutomation)
	if len(p.Languages) > 0 {
		langs, _ := jsoniter.MarshalToString(p.Languages)
		fmt.Fprintf(&b, "\nObject.defineProperty(Navigator.prototype, 'languages', {get: () => %s, configurable: true});", langs)
	}
	if p.Platform != "" {
		platform, _ := jsoniter.MarshalToString(p.Platform)
		fmt.Fprintf(&b, "\nObject.defineProperty(Navigator.prototype, 'platform', {get: () => %s, configurable: true});", platform)
	}
	return b.String()
}

// Tasks returns the CDP actions that install the persona on the current target.
func (p Persona) Tasks() chromedp.Tasks {
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(p.script()).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject persona script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if p.Platform != "" {
			ua = ua.WithPlatform(p.Platform)
		}
		if al := p.AcceptLanguage(); al != "" {
			ua = ua.WithAcceptLanguage(al)
		}
		tasks = append(tasks, ua)
	} else if al := p.AcceptLanguage(); al != "" {
		tasks = append(tasks, cdpnetwork.SetExtraHTTPHeaders(cdpnetwork.Headers{"Accept-Language": al}))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	return tasks
}
