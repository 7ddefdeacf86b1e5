package ai

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kink2001crypto/aether-relay/internal/models"
)

const basePrompt = `You are a coding assistant working alongside a developer's editor.
Answer concisely. When you propose code, put it in fenced code blocks tagged with the language.`

// BuildSystemPrompt renders the system prompt, appending each context file
// as a "path + content" block.
func BuildSystemPrompt(projectPath string, files []models.FileContext) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	if projectPath == "" {
		return sb.String()
	}

	fmt.Fprintf(&sb, "\n\nCurrent project: %s\n", projectPath)
	if len(files) == 0 {
		return sb.String()
	}
	sb.WriteString("\nProject files:\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", f.Path, f.Content)
	}
	return sb.String()
}

// fencePattern matches ```lang\n...``` blocks; anything after the language
// tag on the opening line is ignored.
var fencePattern = regexp.MustCompile("```([\\w+#.-]*)[^\\n]*\\n([\\s\\S]*?)```")

// ExtractCodeBlocks returns every fenced code block in text with its
// language tag ("text" when untagged) and whitespace-trimmed body.
func ExtractCodeBlocks(text string) []models.CodeBlock {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]models.CodeBlock, 0, len(matches))
	for _, m := range matches {
		lang := m[1]
		if lang == "" {
			lang = "text"
		}
		blocks = append(blocks, models.CodeBlock{
			Language: lang,
			Code:     strings.TrimSpace(m[2]),
		})
	}
	return blocks
}
