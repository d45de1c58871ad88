package bridge

// Plugin registration metadata shown by the host.
const (
	Slug        = "phabricator"
	Title       = "Phabricator"
	Description = "Integrate Phabricator issue tracking by linking a user account to a project."
)

// Version is overridden at link time.
var Version = "0.1.0"

// ResourceLink is a named URL listed on the plugin page.
type ResourceLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// PluginInfo describes the plugin to the host.
type PluginInfo struct {
	Slug          string         `json:"slug"`
	Title         string         `json:"title"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	IssueFields   []string       `json:"issue_fields"`
	ResourceLinks []ResourceLink `json:"resource_links"`
}

// Info returns the plugin metadata. Stored issues carry the id and url fields.
func Info() PluginInfo {
	return PluginInfo{
		Slug:        Slug,
		Title:       Title,
		Version:     Version,
		Description: Description,
		IssueFields: []string{"id", "url"},
		ResourceLinks: []ResourceLink{
			{Title: "Bug Tracker", URL: "https://github.com/MarcDufresne/sentry-phabricator/issues"},
			{Title: "Source", URL: "https://github.com/MarcDufresne/sentry-phabricator"},
		},
	}
}
