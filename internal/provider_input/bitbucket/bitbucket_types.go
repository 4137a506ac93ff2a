package bitbucket

// WebhookPayload is the body of a Bitbucket Cloud "pullrequest:*" webhook.
type WebhookPayload struct {
	Actor       User         `json:"actor"`
	Repository  Repository   `json:"repository"`
	PullRequest *PullRequest `json:"pullrequest,omitempty"`
}

// User represents a Bitbucket user or team
type User struct {
	UUID        string    `json:"uuid"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AccountID   string    `json:"account_id"`
	Nickname    string    `json:"nickname"`
	Type        string    `json:"type"`
	Links       UserLinks `json:"links"`
}

type UserLinks struct {
	Avatar Link `json:"avatar"`
	HTML   Link `json:"html"`
}

type Link struct {
	Href string `json:"href"`
}

// Repository represents a Bitbucket repository
type Repository struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	Owner     User      `json:"owner"`
	Workspace Workspace `json:"workspace"`
	Links     struct {
		HTML Link `json:"html"`
	} `json:"links"`
}

type Workspace struct {
	UUID string `json:"uuid"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// PullRequest represents a Bitbucket pull request
type PullRequest struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	Source      Branch `json:"source"`
	Destination Branch `json:"destination"`
	Author      User   `json:"author"`
	CreatedOn   string `json:"created_on"`
	UpdatedOn   string `json:"updated_on"`
	Links       struct {
		HTML Link `json:"html"`
	} `json:"links"`
}

// Branch represents one side of a pull request
type Branch struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
	Commit struct {
		Hash string `json:"hash"`
	} `json:"commit"`
}
