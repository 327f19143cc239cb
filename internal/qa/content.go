// qa/content.go
package qa

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Структурированный rich-контент хранится как JSON-дерево узлов вида
// {"type": "...", "attrs": {...}, "content": [...], "text": "..."}.
// Движок не редактирует дерево, он только обходит его
type contentNode struct {
	Type    string         `json:"type"`
	Text    string         `json:"text"`
	Attrs   map[string]any `json:"attrs"`
	Content []contentNode  `json:"content"`
}

func parseContent(raw json.RawMessage) (contentNode, bool) {
	if len(raw) == 0 {
		return contentNode{}, false
	}
	var root contentNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return contentNode{}, false
	}
	return root, true
}

func walkContent(node contentNode, visit func(contentNode)) {
	visit(node)
	for _, child := range node.Content {
		walkContent(child, visit)
	}
}

func attrString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := attrs[key]; ok {
			if str, ok := value.(string); ok && strings.TrimSpace(str) != "" {
				return strings.TrimSpace(str)
			}
		}
	}
	return ""
}

// ExtractMentions обходит дерево контента и возвращает упомянутые username
// без дубликатов, в порядке первого появления
func ExtractMentions(raw json.RawMessage) []string {
	root, ok := parseContent(raw)
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var usernames []string
	walkContent(root, func(node contentNode) {
		if node.Type != "mention" {
			return
		}
		username := attrString(node.Attrs, "username")
		if username == "" {
			username = strings.TrimPrefix(attrString(node.Attrs, "label"), "@")
		}
		if username == "" || seen[username] {
			return
		}
		seen[username] = true
		usernames = append(usernames, username)
	})
	return usernames
}

// inlineText собирает текст узла и его потомков в одну строку.
// Упоминания отображаются как @username
func inlineText(node contentNode) string {
	var sb strings.Builder
	walkContent(node, func(n contentNode) {
		switch n.Type {
		case "mention":
			username := attrString(n.Attrs, "username")
			if username == "" {
				username = strings.TrimPrefix(attrString(n.Attrs, "label"), "@")
			}
			if username != "" {
				sb.WriteString("@" + username)
			}
		default:
			sb.WriteString(n.Text)
		}
	})
	return strings.TrimSpace(sb.String())
}

// renderMarkdown — плоское markdown-представление дерева для отчета
// в комментарии трекера
func renderMarkdown(raw json.RawMessage) string {
	root, ok := parseContent(raw)
	if !ok {
		return ""
	}

	blocks := root.Content
	if len(blocks) == 0 && (root.Text != "" || root.Type != "") {
		blocks = []contentNode{root}
	}

	var lines []string
	for _, block := range blocks {
		text := inlineText(block)
		if text == "" {
			continue
		}
		switch block.Type {
		case "heading":
			lines = append(lines, "### "+text)
		case "listItem", "taskItem":
			lines = append(lines, "- "+text)
		case "bulletList", "orderedList", "taskList":
			for _, item := range block.Content {
				if itemText := inlineText(item); itemText != "" {
					lines = append(lines, "- "+itemText)
				}
			}
		default:
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

// collectAttachmentLinks возвращает markdown-ссылки на вложения из дерева
// контента (узлы attachment/image)
func collectAttachmentLinks(raw json.RawMessage) []string {
	root, ok := parseContent(raw)
	if !ok {
		return nil
	}

	var links []string
	seen := make(map[string]bool)
	walkContent(root, func(node contentNode) {
		if node.Type != "attachment" && node.Type != "image" {
			return
		}
		url := attrString(node.Attrs, "src", "href", "url")
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		name := attrString(node.Attrs, "name", "alt", "title")
		if name == "" {
			name = url
		}
		links = append(links, fmt.Sprintf("[%s](%s)", name, url))
	})
	return links
}
