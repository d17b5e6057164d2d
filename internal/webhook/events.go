package webhook

// Wire shapes for the GitHub event payloads the dispatcher consumes.
// Only the fields the handlers read are declared.

type eventRepository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

type eventAccount struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Type  string `json:"type"`
}

// eventPusher differs from other actor shapes: push payloads identify
// the pusher by git name and email, not by login.
type eventPusher struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type eventInstallation struct {
	ID      int64        `json:"id"`
	Account eventAccount `json:"account"`
}

type pushCommit struct {
	ID       string   `json:"id"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

type pushEvent struct {
	Ref          string             `json:"ref"`
	Before       string             `json:"before"`
	After        string             `json:"after"`
	Deleted      bool               `json:"deleted"`
	Repository   eventRepository    `json:"repository"`
	Pusher       eventPusher        `json:"pusher"`
	Sender       eventAccount       `json:"sender"`
	Installation *eventInstallation `json:"installation"`
	Commits      []pushCommit       `json:"commits"`
}

type pullRequestRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head pullRequestRef `json:"head"`
		Base pullRequestRef `json:"base"`
	} `json:"pull_request"`
	Repository   eventRepository    `json:"repository"`
	Sender       eventAccount       `json:"sender"`
	Installation *eventInstallation `json:"installation"`
}

type installationEvent struct {
	Action       string            `json:"action"`
	Installation eventInstallation `json:"installation"`
	Repositories []eventRepository `json:"repositories"`
	Sender       eventAccount      `json:"sender"`
}

type installationRepositoriesEvent struct {
	Action              string            `json:"action"`
	Installation        eventInstallation `json:"installation"`
	RepositoriesAdded   []eventRepository `json:"repositories_added"`
	RepositoriesRemoved []eventRepository `json:"repositories_removed"`
}
