package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/registrar/internal/config"
)

func TestPersona_AcceptLanguage(t *testing.T) {
	tests := []struct {
		langs []string
		want  string
	}{
		{nil, ""},
		{[]string{"en-US"}, "en-US"},
		{[]string{"en-US", "en"}, "en-US,en;q=0.9"},
		{[]string{"de-DE", "de", "en"}, "de-DE,de;q=0.9,en;q=0.8"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Persona{Languages: tt.langs}.AcceptLanguage())
	}
}

func TestPersona_Script(t *testing.T) {
	assert.Equal(t, hideAutomation, Persona{}.script())

	s := Persona{Languages: []string{"en-US", "en"}, Platform: "Win32"}.script()
	assert.Contains(t, s, `'webdriver'`)
	assert.Contains(t, s, `["en-US","en"]`)
	assert.Contains(t, s, `"Win32"`)
}

func TestPersona_Tasks(t *testing.T) {
	assert.Len(t, Persona{}.Tasks(), 1, "only the automation flag script")

	full := Persona{
		UserAgent: "Mozilla/5.0 Test",
		Platform:  "Win32",
		Languages: []string{"en-US", "en"},
		Timezone:  "Europe/Berlin",
		Locale:    "en-US",
	}
	assert.Len(t, full.Tasks(), 4)

	langsOnly := Persona{Languages: []string{"en-US"}}
	assert.Len(t, langsOnly.Tasks(), 2, "script plus Accept-Language header")
}

func TestPersonaFromConfig(t *testing.T) {
	cfg := config.PersonaConfig{UserAgent: "UA", Languages: []string{"fr-FR"}, Timezone: "Europe/Paris"}
	p := PersonaFromConfig(cfg)
	assert.Equal(t, "UA", p.UserAgent)
	assert.Equal(t, "fr-FR", p.AcceptLanguage())

	cfg.Languages[0] = "changed"
	assert.Equal(t, []string{"fr-FR"}, p.Languages, "persona does not alias config")
}
