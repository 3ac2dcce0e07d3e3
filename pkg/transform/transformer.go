// Package transform turns raw Jira issues into cleaned training records.
//
// Each issue becomes one Issue with normalised metadata, cleaned description and
// comments, and (when enabled) derived LLM training tasks: summarization,
// classification, qa and code_extraction.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config holds transformer configuration.
type Config struct {
	// BaseURL of the Jira server, used to build browse links.
	BaseURL string

	// Enabled turns on training task generation.
	Enabled bool

	RemoveHTML           bool
	MaxDescriptionLength int
	MaxCommentLength     int

	// MaxComments caps the comments kept per issue. 0 keeps all.
	MaxComments int
}

// DefaultConfig returns the default transformer configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:              baseURL,
		Enabled:              true,
		RemoveHTML:           true,
		MaxDescriptionLength: 5000,
		MaxCommentLength:     2000,
		MaxComments:          50,
	}
}

// Issue is the transformed output record.
type Issue struct {
	IssueID       string         `json:"issue_id"`
	Project       string         `json:"project"`
	URL           string         `json:"url"`
	Metadata      Metadata       `json:"metadata"`
	Content       Content        `json:"content"`
	TrainingTasks []TrainingTask `json:"training_tasks,omitempty"`
}

// Metadata holds the normalised issue fields.
type Metadata struct {
	Status     string   `json:"status"`
	Priority   string   `json:"priority"`
	Type       string   `json:"type"`
	Created    string   `json:"created,omitempty"`
	Updated    string   `json:"updated,omitempty"`
	Resolved   string   `json:"resolved,omitempty"`
	Labels     []string `json:"labels"`
	Components []string `json:"components"`
	Assignee   string   `json:"assignee"`
	Reporter   string   `json:"reporter"`
}

// Content holds the cleaned text of an issue.
type Content struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Comments     []Comment `json:"comments"`
	CommentCount int       `json:"comment_count"`
}

// Comment is one cleaned comment.
type Comment struct {
	Author  string `json:"author"`
	Created string `json:"created,omitempty"`
	Body    string `json:"body"`
}

// TrainingTask is one instruction/input/output example.
type TrainingTask struct {
	TaskType    string `json:"task_type"`
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary        string          `json:"summary"`
		Description    json.RawMessage `json:"description"`
		Status         *named          `json:"status"`
		Priority       *named          `json:"priority"`
		IssueType      *named          `json:"issuetype"`
		Created        string          `json:"created"`
		Updated        string          `json:"updated"`
		ResolutionDate string          `json:"resolutiondate"`
		Labels         []string        `json:"labels"`
		Components     []named         `json:"components"`
		Assignee       *user           `json:"assignee"`
		Reporter       *user           `json:"reporter"`
		Comment        struct {
			Comments []rawComment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

type named struct {
	Name string `json:"name"`
}

type user struct {
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
}

type rawComment struct {
	Author  *user           `json:"author"`
	Created string          `json:"created"`
	Body    json.RawMessage `json:"body"`
}

// Transformer converts raw issues.
type Transformer struct {
	config  Config
	cleaner Cleaner
}

// New creates a transformer.
func New(cfg Config) *Transformer {
	return &Transformer{
		config:  cfg,
		cleaner: Cleaner{RemoveHTML: cfg.RemoveHTML},
	}
}

// Transform converts one raw search result issue.
func (t *Transformer) Transform(raw json.RawMessage) (*Issue, error) {
	var in rawIssue
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	if in.Key == "" {
		return nil, fmt.Errorf("issue has no key")
	}

	f := in.Fields

	comments := make([]Comment, 0, len(f.Comment.Comments))
	for _, c := range f.Comment.Comments {
		if t.config.MaxComments > 0 && len(comments) >= t.config.MaxComments {
			break
		}
		body := t.text(c.Body, t.config.MaxCommentLength)
		if body == "" {
			continue
		}
		comments = append(comments, Comment{
			Author:  userName(c.Author),
			Created: c.Created,
			Body:    body,
		})
	}

	components := make([]string, 0, len(f.Components))
	for _, c := range f.Components {
		components = append(components, c.Name)
	}
	labels := f.Labels
	if labels == nil {
		labels = []string{}
	}

	out := &Issue{
		IssueID: in.Key,
		Project: projectOf(in.Key),
		URL:     strings.TrimRight(t.config.BaseURL, "/") + "/browse/" + in.Key,
		Metadata: Metadata{
			Status:     nameOr(f.Status, "Unknown"),
			Priority:   nameOr(f.Priority, "None"),
			Type:       nameOr(f.IssueType, "Unknown"),
			Created:    f.Created,
			Updated:    f.Updated,
			Resolved:   f.ResolutionDate,
			Labels:     labels,
			Components: components,
			Assignee:   userName(f.Assignee),
			Reporter:   userName(f.Reporter),
		},
		Content: Content{
			Title:        f.Summary,
			Description:  t.text(f.Description, t.config.MaxDescriptionLength),
			Comments:     comments,
			CommentCount: len(comments),
		},
	}

	if t.config.Enabled {
		out.TrainingTasks = GenerateTasks(out)
	}

	return out, nil
}

// text extracts plain text from a string (HTML or wiki markup) or an ADF document.
func (t *Transformer) text(raw json.RawMessage, maxLength int) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if !t.config.RemoveHTML {
			return Truncate(s, maxLength)
		}
		return t.cleaner.Clean(s, maxLength)
	}

	return t.cleaner.ParseADF(raw, maxLength)
}

// GenerateTasks derives training tasks from a transformed issue.
func GenerateTasks(issue *Issue) []TrainingTask {
	var tasks []TrainingTask
	content := issue.Content

	if content.Description != "" {
		tasks = append(tasks, TrainingTask{
			TaskType:    "summarization",
			Instruction: "Summarize the following software issue in one sentence:",
			Input:       fmt.Sprintf("Title: %s\n\nDescription: %s", content.Title, prefix(content.Description, 500)),
			Output:      content.Title,
		})
	}

	tasks = append(tasks, TrainingTask{
		TaskType:    "classification",
		Instruction: "Classify this issue type (bug, feature, improvement, task):",
		Input:       fmt.Sprintf("%s\n\n%s", content.Title, prefix(content.Description, 300)),
		Output:      strings.ToLower(issue.Metadata.Type),
	})

	if len(content.Comments) > 0 {
		answer := "See issue description."
		if content.Description != "" {
			answer = prefix(content.Description, 300)
		}
		tasks = append(tasks, TrainingTask{
			TaskType:    "qa",
			Instruction: "Based on the issue, answer the following:",
			Input:       fmt.Sprintf("Issue: %s\n\nQuestion: %s", content.Title, prefix(content.Comments[0].Body, 200)),
			Output:      answer,
		})
	}

	if blocks := ExtractCodeBlocks(content.Description); len(blocks) > 0 {
		if len(blocks) > 3 {
			blocks = blocks[:3]
		}
		tasks = append(tasks, TrainingTask{
			TaskType:    "code_extraction",
			Instruction: "Extract code snippets from this issue:",
			Input:       prefix(content.Description, 800),
			Output:      strings.Join(blocks, "\n\n"),
		})
	}

	return tasks
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func projectOf(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return key[:i]
	}
	return key
}

func nameOr(n *named, fallback string) string {
	if n == nil || n.Name == "" {
		return fallback
	}
	return n.Name
}

func userName(u *user) string {
	switch {
	case u == nil:
		return "Unknown"
	case u.DisplayName != "":
		return u.DisplayName
	case u.Name != "":
		return u.Name
	default:
		return "Unknown"
	}
}
