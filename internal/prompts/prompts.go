// Package prompts builds the system and user prompts sent to every provider.
package prompts

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var catalogueYAML []byte

type catalogue struct {
	UserInstruction string `yaml:"user_instruction"`
	Role            string `yaml:"role"`
	Format          struct {
		Base         string `yaml:"base"`
		Regeneration string `yaml:"regeneration"`
	} `yaml:"format"`
	Rules struct {
		Base         string `yaml:"base"`
		Regeneration string `yaml:"regeneration"`
		Closing      string `yaml:"closing"`
	} `yaml:"rules"`
}

// Catalogue holds the parsed prompt texts.
type Catalogue struct {
	withRegeneration    string
	withoutRegeneration string
	userInstruction     string
}

// Load parses the embedded prompt catalogue.
func Load() (*Catalogue, error) {
	return Parse(catalogueYAML)
}

// MustLoad is Load for package-level wiring; the catalogue is compiled in.
func MustLoad() *Catalogue {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a Catalogue from YAML source.
func Parse(src []byte) (*Catalogue, error) {
	var raw catalogue
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, fmt.Errorf("parse prompt catalogue: %w", err)
	}
	if raw.Role == "" || raw.Format.Base == "" || raw.Rules.Base == "" || raw.UserInstruction == "" {
		return nil, fmt.Errorf("parse prompt catalogue: role, format.base, rules.base and user_instruction are required")
	}

	join := func(parts ...string) string {
		var kept []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		return strings.Join(kept, "\n\n")
	}

	return &Catalogue{
		withRegeneration: join(raw.Role, raw.Format.Base, raw.Format.Regeneration,
			raw.Rules.Base, raw.Rules.Regeneration, raw.Rules.Closing),
		withoutRegeneration: join(raw.Role, raw.Format.Base, raw.Rules.Base, raw.Rules.Closing),
		userInstruction:     strings.TrimSpace(raw.UserInstruction),
	}, nil
}

// System returns the system prompt. Providers that rewrite questions get the
// variant asking for regenerated question and options.
func (c *Catalogue) System(regenerate bool) string {
	if regenerate {
		return c.withRegeneration
	}
	return c.withoutRegeneration
}

// User renders the user prompt for one question.
func (c *Catalogue) User(q *models.Question) string {
	var b strings.Builder
	b.WriteString(c.userInstruction)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Frage: %s\n", q.Text)
	for i, opt := range q.Options() {
		fmt.Fprintf(&b, "%c) %s\n", 'A'+i, opt)
	}
	return b.String()
}
