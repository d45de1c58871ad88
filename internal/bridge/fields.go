package bridge

import (
	"context"
	"strings"

	"phabbridge/internal/domain"
)

// ConfigFields describes the per-project options form.
func ConfigFields() []domain.Field {
	return []domain.Field{
		{
			Name:     "host",
			Label:    "Phabricator Host (e.g. http://secure.phabricator.org)",
			Type:     domain.FieldText,
			Required: true,
			Help:     `Host of your Phabricator instance, e.g. "http://secure.phabricator.org"`,
		},
		{
			Name:     "token",
			Label:    "Conduit API Token",
			Type:     domain.FieldText,
			Required: true,
		},
		{
			Name:     "projectPHIDs",
			Label:    "Project PHIDs (in JSON format)",
			Type:     domain.FieldTextarea,
			Required: false,
			Help:     `Projects every new task is tagged with, e.g. ["PHID-PROJ-abc123"]`,
		},
	}
}

// GroupTitle is the title prefilled for a new task.
func GroupTitle(group domain.Group, event domain.ErrorEvent) string {
	if t := strings.TrimSpace(group.Title); t != "" {
		return t
	}
	return strings.TrimSpace(event.Message)
}

// GroupDescription links back to the group and quotes the event body.
func GroupDescription(group domain.Group, event domain.ErrorEvent) string {
	var lines []string
	if group.Permalink != "" {
		lines = append(lines, group.Permalink)
	}
	body := strings.TrimSpace(event.Body)
	if body == "" {
		body = strings.TrimSpace(event.Message)
	}
	if body != "" {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "```", body, "```")
	}
	return strings.Join(lines, "\n")
}

func prefilledText(group domain.Group, event domain.ErrorEvent) string {
	return GroupTitle(group, event) + "\n\n" + GroupDescription(group, event)
}

// CreateFields describes the new-task form, with priority and status choices
// fetched from the remote.
func (b *IssueBridge) CreateFields(ctx context.Context, group domain.Group, event domain.ErrorEvent) []domain.Field {
	priorities := b.PriorityChoices(ctx)
	statuses := b.StatusChoices(ctx)
	return []domain.Field{
		{
			Name:     "title",
			Label:    "Title",
			Type:     domain.FieldText,
			Default:  GroupTitle(group, event),
			Required: true,
		},
		{
			Name:     "description",
			Label:    "Description",
			Type:     domain.FieldTextarea,
			Default:  prefilledText(group, event),
			Required: true,
		},
		{
			Name:     "priority",
			Label:    "Priority",
			Type:     domain.FieldSelect,
			Choices:  priorities.Choices,
			Default:  priorities.Default,
			Required: true,
		},
		{
			Name:     "status",
			Label:    "Status",
			Type:     domain.FieldSelect,
			Choices:  statuses.Choices,
			Default:  statuses.Default,
			Required: true,
		},
		{
			Name:  "assigned",
			Label: "Assign To",
			Type:  domain.FieldText,
			Help:  `Name of the user to assign this task to, e.g. "@user" or "user"`,
		},
		{
			Name:  "projects",
			Label: "Additional Projects",
			Type:  domain.FieldText,
			Help:  `Comma-separated list of additional projects to link to this issue, e.g. "#project1, project2"`,
		},
	}
}

// LinkFields describes the link-existing-task form.
func LinkFields(group domain.Group, event domain.ErrorEvent) []domain.Field {
	return []domain.Field{
		{
			Name:     "task_id",
			Label:    "Task ID",
			Type:     domain.FieldText,
			Required: true,
			Help:     `Enter the Task ID, e.g.: "34" or "T34"`,
		},
		{
			Name:    "comment",
			Label:   "Comment",
			Type:    domain.FieldTextarea,
			Default: prefilledText(group, event),
			Help:    "Leave blank to skip adding a comment on the linked task",
		},
	}
}
