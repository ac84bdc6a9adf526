package config

// DefaultThemes returns the built-in theme catalog
func DefaultThemes() map[string]string {
	return map[string]string{
		"space":       "a journey among stars, friendly planets and a rocket ship",
		"ocean":       "an undersea adventure with coral reefs and curious sea creatures",
		"forest":      "an enchanted forest full of talking animals and hidden paths",
		"dinosaurs":   "a prehistoric valley where gentle dinosaurs need help",
		"fairytale":   "a kingdom of castles, kind dragons and a little magic",
		"pirates":     "a treasure hunt aboard a cheerful pirate ship",
		"superheroes": "a city where small acts of kindness are real superpowers",
	}
}

// GetDefaultOutlineTemplate returns the default template for the story outline
func GetDefaultOutlineTemplate() string {
	return `Create a personalized children's story outline.

CHILD:
- Name: {{.ChildName}}
- Age: {{.Age}}
- Traits: {{.Traits}}

THEME: {{.Theme}} ({{.ThemeDescription}})

The story has exactly {{.PageCount}} pages. {{.ChildName}} is the protagonist and every page moves the story forward.
Use simple, warm language appropriate for a {{.Age}}-year-old reader.

Return ONLY a valid JSON object (no markdown, no additional text):
{
  "title": "Story title",
  "summary": "Two sentence summary",
  "world": "Visual description of the story world",
  "protagonist": "Consistent physical description of {{.ChildName}} for illustrations",
  "lesson": "The gentle lesson of the story",
  "pages": [
    {"beat": "What happens on this page", "scene": "Detailed visual scene for the illustration"}
  ]
}
The "pages" array must contain exactly {{.PageCount}} entries in reading order.`
}

// GetDefaultPageTextTemplate returns the default template for one page of story text
func GetDefaultPageTextTemplate() string {
	return `Write page {{.PageNumber}} of {{.PageCount}} of a children's book starring {{.ChildName}} (age {{.Age}}, traits: {{.Traits}}).
Theme: {{.Theme}} ({{.ThemeDescription}}).
{{if .HasOutline}}
Story title: "{{.Title}}"
Summary: {{.Summary}}
World: {{.World}}
What happens on this page: {{.Beat}}
{{if .PreviousBeat}}Previous page: {{.PreviousBeat}}
{{end}}{{end}}
Write at most 50 words in short, vivid sentences a young child can follow.
Return only the page text, without a title, page number or quotes.`
}

// GetDefaultPageImageTemplate returns the default template for one page illustration
func GetDefaultPageImageTemplate() string {
	return `Children's book illustration, page {{.PageNumber}}.

MAIN CHARACTER: {{.ChildName}}, {{.Age}} years old.{{if .HasOutline}} {{.Protagonist}}{{end}}
SETTING: {{.Theme}} - {{if .HasOutline}}{{.World}}{{else}}{{.ThemeDescription}}{{end}}
{{if .HasOutline}}SCENE: {{.Scene}}
{{end}}STORY TEXT FOR THIS PAGE: {{.PageText}}

STYLE: colorful, warm digital illustration in a modern animated-film look, soft lighting, expressive characters,
consistent character design across pages, square composition, no text or letters in the image.`
}
