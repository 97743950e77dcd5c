package session

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultLanguage is used when a client names no language or an unknown one.
const DefaultLanguage = "English"

// Catalog resolves the language and voice names clients send into a
// BCP-47 code and a provider voice.
type Catalog struct {
	// Languages maps a language name such as "Spanish" to its BCP-47 code.
	Languages map[string]string

	// Voices maps "<Language>-<Gender>" to a provider voice id.
	Voices map[string]string

	// Provider is copied into every resolved [types.VoiceProfile].
	Provider string
}

// DefaultCatalog returns the built-in language and voice tables.
func DefaultCatalog() Catalog {
	return Catalog{
		Languages: map[string]string{
			"English": "en-US",
			"Spanish": "es-ES",
			"French":  "fr-FR",
			"Russian": "ru-RU",
		},
		Voices: map[string]string{
			"English-Female": "en-US-Neural2-C",
			"English-Male":   "en-GB-News-K",
			"Russian-Female": "ru-RU-Standard-A",
			"Russian-Male":   "ru-RU-Standard-B",
			"French-Female":  "fr-FR-Standard-C",
			"French-Male":    "fr-FR-Standard-B",
			"Spanish-Female": "es-ES-Standard-A",
			"Spanish-Male":   "es-ES-Standard-B",
		},
	}
}

func (c Catalog) isZero() bool { return len(c.Languages) == 0 && len(c.Voices) == 0 }

// Resolve returns the canonical language name, its BCP-47 code and the
// voice for gender. Names are matched case-insensitively. Unknown languages
// fall back to [DefaultLanguage]; an unknown gender falls back to Female.
func (c Catalog) Resolve(lang, gender string) (name, code string, voice types.VoiceProfile) {
	// A Caser keeps state between calls and cannot be shared.
	title := cases.Title(language.English)
	name = title.String(strings.TrimSpace(lang))
	code, ok := c.Languages[name]
	if !ok {
		name = DefaultLanguage
		code = c.Languages[name]
		if code == "" {
			code = "en-US"
		}
	}

	gender = title.String(strings.TrimSpace(gender))
	id, ok := c.Voices[name+"-"+gender]
	if !ok {
		gender = "Female"
		id = c.Voices[name+"-"+gender]
	}
	return name, code, types.VoiceProfile{
		ID:       id,
		Name:     name + "-" + gender,
		Language: code,
		Gender:   gender,
		Provider: c.Provider,
	}
}
