package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/jira-harvester/internal/testutil"
)

func marshalIssue(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestTransformer_Transform(t *testing.T) {
	tr := New(DefaultConfig("https://issues.apache.org/jira/"))

	out, err := tr.Transform(marshalIssue(t, testutil.NewIssue("KAFKA", 7)))
	require.NoError(t, err)

	assert.Equal(t, "KAFKA-7", out.IssueID)
	assert.Equal(t, "KAFKA", out.Project)
	assert.Equal(t, "https://issues.apache.org/jira/browse/KAFKA-7", out.URL)

	assert.Equal(t, "Open", out.Metadata.Status)
	assert.Equal(t, "Major", out.Metadata.Priority)
	assert.Equal(t, "Bug", out.Metadata.Type)
	assert.Equal(t, []string{"test"}, out.Metadata.Labels)
	assert.Equal(t, []string{"core"}, out.Metadata.Components)
	assert.Equal(t, "Unknown", out.Metadata.Assignee)
	assert.Equal(t, "Reporter KAFKA", out.Metadata.Reporter)

	assert.Equal(t, "Issue 7 of KAFKA", out.Content.Title)
	assert.Equal(t, "Steps to reproduce issue 7 {code}throw new RuntimeException();{code}", out.Content.Description)
	require.Len(t, out.Content.Comments, 1)
	assert.Equal(t, "Commenter", out.Content.Comments[0].Author)
	assert.Equal(t, "Confirmed on KAFKA-7", out.Content.Comments[0].Body)
	assert.Equal(t, 1, out.Content.CommentCount)

	var types []string
	for _, task := range out.TrainingTasks {
		types = append(types, task.TaskType)
	}
	assert.Equal(t, []string{"summarization", "classification", "qa", "code_extraction"}, types)
	assert.Equal(t, "bug", out.TrainingTasks[1].Output)
	assert.Equal(t, "{code}throw new RuntimeException();{code}", out.TrainingTasks[3].Output)
}

func TestTransformer_MinimalIssue(t *testing.T) {
	tr := New(DefaultConfig("https://jira.example.com"))

	out, err := tr.Transform(json.RawMessage(`{"key":"HADOOP-1","fields":{"summary":"Only a title"}}`))
	require.NoError(t, err)

	assert.Equal(t, "Unknown", out.Metadata.Status)
	assert.Equal(t, "None", out.Metadata.Priority)
	assert.Equal(t, "Unknown", out.Metadata.Type)
	assert.Empty(t, out.Metadata.Labels)
	assert.NotNil(t, out.Metadata.Labels)
	assert.Empty(t, out.Content.Description)
	assert.Empty(t, out.Content.Comments)

	// No description and no comments leaves only classification.
	require.Len(t, out.TrainingTasks, 1)
	assert.Equal(t, "classification", out.TrainingTasks[0].TaskType)
	assert.Equal(t, "unknown", out.TrainingTasks[0].Output)
}

func TestTransformer_ADFDescription(t *testing.T) {
	tr := New(DefaultConfig("https://jira.example.com"))

	raw := json.RawMessage(`{"key":"SPARK-3","fields":{
		"summary":"ADF",
		"description":{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Rich text body"}]}]}
	}}`)

	out, err := tr.Transform(raw)
	require.NoError(t, err)
	assert.Equal(t, "Rich text body", out.Content.Description)
}

func TestTransformer_Limits(t *testing.T) {
	cfg := DefaultConfig("https://jira.example.com")
	cfg.MaxDescriptionLength = 10
	cfg.MaxCommentLength = 5
	cfg.MaxComments = 2
	tr := New(cfg)

	comments := make([]map[string]any, 0, 5)
	for i := range 5 {
		comments = append(comments, map[string]any{"body": fmt.Sprintf("comment number %d", i)})
	}
	comments = append([]map[string]any{{"body": "   "}}, comments...)

	issue := map[string]any{
		"key": "KAFKA-9",
		"fields": map[string]any{
			"summary":     "Limits",
			"description": strings.Repeat("x", 50),
			"comment":     map[string]any{"comments": comments},
		},
	}

	out, err := tr.Transform(marshalIssue(t, issue))
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("x", 10)+"...", out.Content.Description)
	require.Len(t, out.Content.Comments, 2, "blank comments are dropped and the rest capped")
	assert.Equal(t, "comme...", out.Content.Comments[0].Body)
	assert.Equal(t, "Unknown", out.Content.Comments[0].Author)
}

func TestTransformer_TasksDisabled(t *testing.T) {
	cfg := DefaultConfig("https://jira.example.com")
	cfg.Enabled = false

	out, err := New(cfg).Transform(marshalIssue(t, testutil.NewIssue("KAFKA", 1)))
	require.NoError(t, err)
	assert.Empty(t, out.TrainingTasks)
}

func TestTransformer_Errors(t *testing.T) {
	tr := New(DefaultConfig("https://jira.example.com"))

	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"key":`},
		{"missing key", `{"fields":{"summary":"x"}}`},
		{"wrong type", `{"key":"A-1","fields":{"summary":42}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestGenerateTasks_CapsCodeBlocks(t *testing.T) {
	issue := &Issue{
		Metadata: Metadata{Type: "Improvement"},
		Content: Content{
			Title:       "Many snippets",
			Description: "{code}a{code} {code}b{code} {code}c{code} {code}d{code}",
		},
	}

	tasks := GenerateTasks(issue)
	last := tasks[len(tasks)-1]
	require.Equal(t, "code_extraction", last.TaskType)
	assert.Equal(t, "{code}a{code}\n\n{code}b{code}\n\n{code}c{code}", last.Output)
	assert.Equal(t, "improvement", tasks[1].Output)
}
