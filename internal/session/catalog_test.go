package session

import (
	"sync"
	"testing"
)

func TestCatalog_Resolve(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		lang, gender       string
		wantName, wantCode string
		wantVoice          string
	}{
		{"English", "Female", "English", "en-US", "en-US-Neural2-C"},
		{"English", "Male", "English", "en-US", "en-GB-News-K"},
		{"spanish", "male", "Spanish", "es-ES", "es-ES-Standard-B"},
		{" French ", "FEMALE", "French", "fr-FR", "fr-FR-Standard-C"},
		{"Russian", "", "Russian", "ru-RU", "ru-RU-Standard-A"},
		{"Klingon", "Male", "English", "en-US", "en-GB-News-K"},
		{"", "", "English", "en-US", "en-US-Neural2-C"},
	}
	for _, tt := range tests {
		name, code, voice := c.Resolve(tt.lang, tt.gender)
		if name != tt.wantName || code != tt.wantCode || voice.ID != tt.wantVoice {
			t.Errorf("Resolve(%q, %q) = %q, %q, %q; want %q, %q, %q",
				tt.lang, tt.gender, name, code, voice.ID, tt.wantName, tt.wantCode, tt.wantVoice)
		}
		if voice.Language != code {
			t.Errorf("Resolve(%q, %q) voice language = %q", tt.lang, tt.gender, voice.Language)
		}
	}
}

func TestCatalog_Overrides(t *testing.T) {
	c := Catalog{
		Languages: map[string]string{"German": "de-DE"},
		Voices:    map[string]string{"German-Male": "de-DE-Wavenet-B"},
		Provider:  "elevenlabs",
	}
	name, code, voice := c.Resolve("german", "male")
	if name != "German" || code != "de-DE" || voice.ID != "de-DE-Wavenet-B" || voice.Provider != "elevenlabs" {
		t.Errorf("got %q %q %+v", name, code, voice)
	}

	// No English entry: the code still falls back to en-US.
	_, code, voice = c.Resolve("French", "Female")
	if code != "en-US" || voice.ID != "" {
		t.Errorf("fallback = %q, %+v", code, voice)
	}
}

func TestCatalog_ResolveConcurrent(t *testing.T) {
	c := DefaultCatalog()
	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 2000 {
				name, code, voice := c.Resolve("spanish", "male")
				if name != "Spanish" || code != "es-ES" || voice.ID != "es-ES-Standard-B" {
					errs <- name + " " + code + " " + voice.ID
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("concurrent Resolve = %s", e)
	}
}
