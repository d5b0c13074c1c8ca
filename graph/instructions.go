package graph

import (
	"fmt"
	"strings"

	"github.com/hupe1980/turnmesh/internal/util"
)

const toolPolicyTemplate = `## {{title .Name}} Instructions
- ALWAYS use the {{.Name}} tool for any {{lower .Description}}
- NEVER provide information or perform operations manually that should be done by the {{.Name}} tool
- NEVER make assumptions or provide information from your training data about topics that should be handled by the {{.Name}} tool
- When using the {{.Name}} tool, provide the required parameters as specified in the tool's configuration
- If you don't have all required parameters, ask the user for them before using the tool
- If the tool returns an error or no results, inform the user and ask for clarification or alternative information`

const transferTemplate = `## Transfer Rules
You can transfer the chat to the following specialized agents with the transfer_to_agent tool:
{{range .}}- {{.Name}}: {{.Description}}
{{end}}
- When you transfer the chat, do not reply to the user yourself.
- Plan the transfers you need before making them and never transfer to the same agent twice in a row.`

const ragTemplate = `# Instructions about using the article retrieval tool
- Where relevant, use the articles tool: {{.}} to fetch articles with knowledge relevant to the query and use its contents to respond to the user.
- Do not make up information. If the article's contents do not have the answer, give up control of the chat.`

var sectionSeparator = "\n\n" + strings.Repeat("-", 100) + "\n\n"

type toolPolicy struct {
	Name        string
	Description string
}

type child struct {
	Name        string
	Description string
}

func compositeInstructions(name, description, instructions string) string {
	return fmt.Sprintf("## Your Name\n%s\n\n## Description\n%s\n\n## Instructions\n%s", name, description, instructions)
}

func toolPolicyBlock(name, description string) (string, error) {
	return util.RenderTemplate(toolPolicyTemplate, toolPolicy{Name: name, Description: description})
}

func transferBlock(children []child) (string, error) {
	return util.RenderTemplate(transferTemplate, children)
}

func withRagInstructions(instructions, ragToolName string) (string, error) {
	block, err := util.RenderTemplate(ragTemplate, ragToolName)
	if err != nil {
		return "", err
	}
	return instructions + sectionSeparator + block, nil
}
