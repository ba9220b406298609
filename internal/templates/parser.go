package templates

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/stepengine/internal/program"
)

const (
	// TemplateFilename is the file name of a template inside its own directory.
	TemplateFilename = "AGENT.md"

	// TemplateSuffix marks standalone template files.
	TemplateSuffix = ".agent.md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

var (
	idPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	fencePattern = regexp.MustCompile("(?s)```(?:js|javascript)[ \t]*\n(.*?)```")
)

// ParseTemplateFile parses a template file.
func ParseTemplateFile(path string) (*AgentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseTemplate(data, path)
}

// ParseTemplate parses template content: YAML frontmatter followed by a
// markdown body whose first js code block is the step program.
func ParseTemplate(data []byte, path string) (*AgentTemplate, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var tmpl AgentTemplate
	dec := yaml.NewDecoder(bytes.NewReader(frontmatter))
	dec.KnownFields(true)
	if err := dec.Decode(&tmpl); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	script := strings.TrimSpace(tmpl.Script)
	if script == "" {
		script = extractScript(body)
	}
	if script != "" {
		tmpl.HandleSteps = program.Source{Script: script}
	}
	tmpl.Path = path
	tmpl.Source = SourceLocal

	if err := ValidateTemplate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func extractScript(body []byte) string {
	if m := fencePattern.FindSubmatch(body); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}

// ValidateTemplate checks the static shape of a template. A missing step
// program is not an error here; the engine reports it when the agent runs.
func ValidateTemplate(tmpl *AgentTemplate) error {
	if tmpl.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if !idPattern.MatchString(tmpl.ID) {
		return fmt.Errorf("template id %q must be lowercase letters, digits, '-' or '_'", tmpl.ID)
	}
	for _, name := range tmpl.SpawnableAgents {
		if !idPattern.MatchString(name) {
			return fmt.Errorf("template %s: invalid spawnable agent %q", tmpl.ID, name)
		}
	}
	if p := tmpl.InputSchema.Prompt; p != nil && p.MaxLength < 0 {
		return fmt.Errorf("template %s: prompt max_length must be >= 0", tmpl.ID)
	}
	if tmpl.InputSchema.Params != nil {
		if _, err := compileSchema(tmpl.ID, tmpl.InputSchema.Params); err != nil {
			return fmt.Errorf("template %s: params schema: %w", tmpl.ID, err)
		}
	}
	return nil
}
