// File: internal/browser/allocator.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/registrar/internal/config"
)

const (
	defaultWindowWidth  = 1366
	defaultWindowHeight = 900
)

// flag is a single Chrome command line switch.
type flag struct {
	name  string
	value interface{}
}

// allocatorFlags lists the switches for cfg. proxyServer, when set, is passed
// as --proxy-server and must not carry credentials.
func allocatorFlags(cfg config.BrowserConfig, proxyServer string) []flag {
	flags := []flag{
		{"headless", cfg.Headless},
		{"no-first-run", true},
		{"no-default-browser-check", true},
		{"no-sandbox", true},
		{"disable-gpu", true},
		{"disable-dev-shm-usage", true},
		{"disable-background-networking", true},
		{"disable-sync", true},
		{"password-store", "basic"},
		{"use-mock-keychain", true},
	}
	if cfg.Headless {
		flags = append(flags, flag{"hide-scrollbars", true}, flag{"mute-audio", true})
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, flag{"ignore-certificate-errors", true})
	}
	if cfg.DisableCache {
		flags = append(flags, flag{"disk-cache-size", "0"}, flag{"media-cache-size", "0"})
	}
	if proxyServer != "" {
		flags = append(flags, flag{"proxy-server", proxyServer}, flag{"proxy-bypass-list", "<-loopback>"})
	}

	// User supplied args come last so they can override the defaults.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags = append(flags, flag{key, value})
		} else {
			flags = append(flags, flag{arg, true})
		}
	}
	return flags
}

// windowSize reads browser.viewport, falling back to a common laptop size.
func windowSize(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 || h <= 0 {
		return defaultWindowWidth, defaultWindowHeight
	}
	return w, h
}

// AllocatorOptions builds the ExecAllocator options for a fresh Chrome process.
func AllocatorOptions(cfg config.BrowserConfig, proxyServer string) []chromedp.ExecAllocatorOption {
	w, h := windowSize(cfg)
	opts := []chromedp.ExecAllocatorOption{chromedp.WindowSize(w, h)}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, f := range allocatorFlags(cfg, proxyServer) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}
