// Package skills loads behavioral skill documents from the workspace.
// Each skill lives in its own directory as <skills>/<name>/SKILL.md with
// optional YAML frontmatter.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one parsed SKILL.md document.
type Skill struct {
	Name        string // directory name, overridable via frontmatter
	Description string
	Always      bool   // always-on skills load in full into every prompt
	Content     string // markdown body, frontmatter stripped
}

// Loader reads skills from a directory tree.
type Loader struct {
	dir string
}

// NewLoader creates a skill loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadAll returns all skills sorted by name. A missing skills directory
// yields no skills and no error.
func (l *Loader) LoadAll() ([]Skill, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skill %s: %w", e.Name(), err)
		}

		skill := parseSkill(e.Name(), string(data))
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// PromptBlock renders the skills section for the system prompt:
// always-on skills in full, the rest as one-line summaries the agent
// can read on demand. Returns "" when no skills exist.
func PromptBlock(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var full, summaries []string
	for _, s := range skills {
		if s.Always {
			full = append(full, fmt.Sprintf("## Skill: %s\n%s", s.Name, s.Content))
			continue
		}
		desc := s.Description
		if desc == "" {
			desc = "(no description)"
		}
		summaries = append(summaries, fmt.Sprintf("- %s: %s", s.Name, desc))
	}

	var parts []string
	if len(full) > 0 {
		parts = append(parts, strings.Join(full, "\n\n---\n\n"))
	}
	if len(summaries) > 0 {
		parts = append(parts, "## Available Skills\nRead a skill file with read_file when you need it.\n"+strings.Join(summaries, "\n"))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Always      bool   `yaml:"always"`
}

// parseSkill splits optional "---" delimited YAML frontmatter from the
// markdown body. Malformed frontmatter is treated as plain content.
func parseSkill(dirName, raw string) Skill {
	skill := Skill{Name: dirName, Content: raw}

	if !strings.HasPrefix(raw, "---") {
		return skill
	}
	rest := strings.TrimPrefix(raw, "---")
	rest = strings.TrimLeft(rest, "\r")
	if !strings.HasPrefix(rest, "\n") {
		return skill
	}
	rest = rest[1:]

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return skill
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:closeIdx]), &fm); err != nil {
		return skill
	}

	skill.Content = strings.TrimLeft(rest[closeIdx+4:], "\r\n")
	skill.Description = fm.Description
	skill.Always = fm.Always
	if fm.Name != "" {
		skill.Name = fm.Name
	}
	return skill
}
