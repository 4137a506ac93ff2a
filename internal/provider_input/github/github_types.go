package github

// WebhookPayload is the body of a GitHub "pull_request" or "installation"
// webhook delivery. Only the fields the pipeline reads are declared.
type WebhookPayload struct {
	Action       string        `json:"action"`
	Number       int           `json:"number"`
	PullRequest  *PullRequest  `json:"pull_request,omitempty"`
	Repository   Repository    `json:"repository"`
	Sender       User          `json:"sender"`
	Installation *Installation `json:"installation,omitempty"`
}

// PullRequest represents a GitHub pull request
type PullRequest struct {
	ID        int64  `json:"id"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	HTMLURL   string `json:"html_url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	ClosedAt  string `json:"closed_at"`
	MergedAt  string `json:"merged_at"`
	Head      Branch `json:"head"`
	Base      Branch `json:"base"`
	User      User   `json:"user"`
}

// Repository represents a GitHub repository
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	Owner    User   `json:"owner"`
	Private  bool   `json:"private"`
}

// User represents a GitHub user
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	HTMLURL   string `json:"html_url"`
	AvatarURL string `json:"avatar_url"`
	Type      string `json:"type"`
}

// Branch represents one side of a pull request
type Branch struct {
	Ref  string      `json:"ref"`
	SHA  string      `json:"sha"`
	Repo *Repository `json:"repo,omitempty"`
}

// Installation identifies the GitHub App installation that sent the event.
type Installation struct {
	ID      int64 `json:"id"`
	Account User  `json:"account"`
}
