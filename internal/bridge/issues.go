package bridge

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"phabbridge/internal/conduit"
	"phabbridge/internal/domain"
)

// CreateIssue files a new Maniphest task from the submitted form. All field
// mutations go out in a single maniphest.edit call, so a failure at any step
// leaves nothing behind on the remote.
func (b *IssueBridge) CreateIssue(ctx context.Context, form domain.CreateForm) (domain.Issue, error) {
	if strings.TrimSpace(form.Title) == "" {
		return domain.Issue{}, &ValidationError{Field: "title", Message: "title is required"}
	}
	defaults, err := b.opts.DefaultProjectPHIDs()
	if err != nil {
		return domain.Issue{}, &ConfigurationError{Reason: err.Error()}
	}

	var owner any
	if strings.TrimSpace(form.Assigned) != "" {
		phid, err := b.UserPHID(ctx, form.Assigned)
		if err != nil {
			return domain.Issue{}, err
		}
		owner = phid
	}

	var extra []string
	if strings.TrimSpace(form.Projects) != "" {
		extra, err = b.ProjectPHIDs(ctx, form.Projects)
		if err != nil {
			return domain.Issue{}, err
		}
	}

	txns := []conduit.Transaction{
		{Type: "title", Value: form.Title},
		{Type: "description", Value: form.Description},
		{Type: "projects.set", Value: mergePHIDs(defaults, extra)},
		{Type: "status", Value: form.Status},
		{Type: "priority", Value: form.Priority},
		{Type: "owner", Value: owner},
	}
	res, err := b.api.EditTask(ctx, nil, txns)
	if err != nil {
		return domain.Issue{}, RemoteError(err)
	}
	if res.Object.ID <= 0 {
		return domain.Issue{}, &RemoteUnreachableError{Detail: "maniphest.edit returned no task id"}
	}
	id := strconv.Itoa(res.Object.ID)
	b.log.WithField("task", "T"+id).Info("created task")
	return domain.Issue{ID: id, URL: IssueURL(b.opts.Host, id)}, nil
}

// LinkIssue attaches an existing task and, when a comment is given, posts it
// on the task. The comment is best-effort: linking succeeds even if posting
// it fails.
func (b *IssueBridge) LinkIssue(ctx context.Context, form domain.LinkForm) (domain.Issue, error) {
	taskID, err := ParseTaskID(form.TaskID)
	if err != nil {
		return domain.Issue{}, err
	}
	tasks, err := b.api.SearchTasks(ctx, []int{taskID})
	if err != nil {
		return domain.Issue{}, RemoteError(err)
	}
	if len(tasks) == 0 {
		return domain.Issue{}, &NotFoundError{Kind: "task", Key: "T" + strconv.Itoa(taskID)}
	}
	task := tasks[0]

	if strings.TrimSpace(form.Comment) != "" {
		txns := []conduit.Transaction{{Type: "comment", Value: form.Comment}}
		if _, err := b.api.EditTask(ctx, task.ID, txns); err != nil {
			b.log.WithError(err).WithField("task", "T"+strconv.Itoa(task.ID)).Warn("commenting on linked task failed")
		}
	}

	id := strconv.Itoa(task.ID)
	return domain.Issue{ID: id, URL: IssueURL(b.opts.Host, id)}, nil
}

// ParseTaskID accepts "34", "T34" or " T34 " and returns 34.
func ParseTaskID(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "T") || strings.HasPrefix(s, "t") {
		s = strings.TrimSpace(s[1:])
	}
	if s == "" {
		return 0, &ValidationError{Field: "task_id", Message: "task id is required"}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || !allDigits(s) {
		return 0, &ValidationError{Field: "task_id", Message: "task id must be a number like 34 or T34"}
	}
	return n, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// mergePHIDs appends extra to defaults, keeping the first occurrence of each PHID.
func mergePHIDs(defaults, extra []string) []string {
	merged := make([]string, 0, len(defaults)+len(extra))
	seen := make(map[string]struct{}, len(defaults)+len(extra))
	for _, list := range [][]string{defaults, extra} {
		for _, phid := range list {
			if _, ok := seen[phid]; ok {
				continue
			}
			seen[phid] = struct{}{}
			merged = append(merged, phid)
		}
	}
	return merged
}

// IssueURL joins host with "T<id>" the way a browser resolves a relative link.
func IssueURL(host, id string) string {
	ref := "T" + id
	base, err := url.Parse(strings.TrimSpace(host))
	if err != nil || base.Scheme == "" {
		return strings.TrimRight(strings.TrimSpace(host), "/") + "/" + ref
	}
	return base.ResolveReference(&url.URL{Path: ref}).String()
}

// IssueLabel is the display label of a task, e.g. "T42".
func IssueLabel(ref domain.IssueRef) string {
	return "T" + ref.ID()
}

// RefURL returns the stored URL of a structured ref. Legacy ids and
// structured refs without a URL get one built from host.
func RefURL(host string, ref domain.IssueRef) string {
	if u, ok := StoredURL(ref); ok {
		return u
	}
	return IssueURL(host, ref.ID())
}

// StoredURL is the non-blank URL carried by a structured ref.
func StoredURL(ref domain.IssueRef) (string, bool) {
	issue, ok := ref.Structured()
	if !ok || strings.TrimSpace(issue.URL) == "" {
		return "", false
	}
	return issue.URL, true
}

// Host is the configured Phabricator host.
func (b *IssueBridge) Host() string {
	return b.opts.Host
}

// IssueURL resolves the URL of a stored issue reference.
func (b *IssueBridge) IssueURL(ref domain.IssueRef) string {
	return RefURL(b.opts.Host, ref)
}

// IssueLabel returns the display label of a stored issue reference.
func (b *IssueBridge) IssueLabel(ref domain.IssueRef) string {
	return IssueLabel(ref)
}
