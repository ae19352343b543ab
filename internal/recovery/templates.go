package recovery

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"text/template"

	"github.com/uma-arai/sbcntr-cart-recovery/internal/model"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

type templateSource struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type catalogFile struct {
	Templates map[model.TemplateID]map[string]templateSource `yaml:"templates"`
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
}

// TemplateCatalog はテンプレートIDとロケールごとのメールテンプレートです
type TemplateCatalog struct {
	templates map[model.TemplateID]map[string]compiledTemplate
	tags      []language.Tag
	locales   []string
	matcher   language.Matcher
}

// RenderData はテンプレートに渡す値です
type RenderData struct {
	Name               string
	HotelName          string
	CheckIn            string
	CheckOut           string
	Guests             int
	Price              string
	RecoveryURL        string
	DiscountCode       string
	DiscountPercentage int
	DiscountExpires    string
}

// RenderedEmail は描画済みの件名と本文です
type RenderedEmail struct {
	Locale  string
	Subject string
	Body    string
}

// LoadDefaultTemplates は埋め込みのテンプレートカタログを読み込みます
func LoadDefaultTemplates() (*TemplateCatalog, error) {
	return ParseTemplates(defaultTemplates)
}

// ParseTemplates はYAMLからテンプレートカタログを作成します
// 全テンプレートIDについて同じロケールが揃っている必要があります
func ParseTemplates(data []byte) (*TemplateCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}

	c := &TemplateCatalog{templates: make(map[model.TemplateID]map[string]compiledTemplate)}
	for _, id := range []model.TemplateID{model.TemplateInitial, model.TemplateReminder, model.TemplateLastChance} {
		if len(file.Templates[id]) == 0 {
			return nil, fmt.Errorf("template %s is missing", id)
		}
	}

	localeSet := make(map[string]struct{})
	for id, byLocale := range file.Templates {
		compiled := make(map[string]compiledTemplate, len(byLocale))
		for locale, src := range byLocale {
			if _, err := language.Parse(locale); err != nil {
				return nil, fmt.Errorf("template %s has invalid locale %q: %w", id, locale, err)
			}
			subject, err := template.New(string(id) + "." + locale + ".subject").Parse(src.Subject)
			if err != nil {
				return nil, fmt.Errorf("failed to parse subject of %s/%s: %w", id, locale, err)
			}
			body, err := template.New(string(id) + "." + locale + ".body").Parse(src.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to parse body of %s/%s: %w", id, locale, err)
			}
			compiled[locale] = compiledTemplate{subject: subject, body: body}
			localeSet[locale] = struct{}{}
		}
		c.templates[id] = compiled
	}

	for locale := range localeSet {
		c.locales = append(c.locales, locale)
	}
	sort.Strings(c.locales)
	for _, locale := range c.locales {
		c.tags = append(c.tags, language.MustParse(locale))
	}
	c.matcher = language.NewMatcher(c.tags)

	return c, nil
}

// Locales はカタログが持つロケールを返します
func (c *TemplateCatalog) Locales() []string {
	return append([]string{}, c.locales...)
}

// MatchLocale は要求されたロケールに最も近いカタログのロケールを返します
// 一致しない場合はfallbackを使います
func (c *TemplateCatalog) MatchLocale(requested, fallback string) string {
	for _, candidate := range []string{requested, fallback} {
		if candidate == "" {
			continue
		}
		tag, err := language.Parse(candidate)
		if err != nil {
			continue
		}
		_, index, confidence := c.matcher.Match(tag)
		if confidence != language.No {
			return c.locales[index]
		}
	}
	return c.locales[0]
}

// Render はテンプレートを描画します
func (c *TemplateCatalog) Render(id model.TemplateID, locale string, data RenderData) (RenderedEmail, error) {
	byLocale, ok := c.templates[id]
	if !ok {
		return RenderedEmail{}, fmt.Errorf("unknown template %q", id)
	}
	tpl, ok := byLocale[locale]
	if !ok {
		return RenderedEmail{}, fmt.Errorf("template %s has no locale %q", id, locale)
	}

	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("failed to render subject of %s/%s: %w", id, locale, err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return RenderedEmail{}, fmt.Errorf("failed to render body of %s/%s: %w", id, locale, err)
	}

	return RenderedEmail{Locale: locale, Subject: subject.String(), Body: body.String()}, nil
}

// FormatPrice はロケールに合わせて金額を整形します
func FormatPrice(locale string, amount float64, code string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return message.NewPrinter(tag).Sprintf("%.2f %s", amount, code)
	}
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(amount)))
}
