package queue

// Job names carried on the indexing and generation queues. The JSON
// field names below are the wire contract shared with webhook producers
// and must not change.
const (
	JobIndexRepo        = "index-repo"
	JobIncrementalIndex = "incremental-index"
	JobProcess          = "process"
)

// ChangedFiles lists the paths touched by a push, de-duplicated across
// commits.
type ChangedFiles struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// Total returns the number of changed paths across all three sets.
func (c ChangedFiles) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Removed)
}

// IndexRepoPayload is the full-index job payload.
type IndexRepoPayload struct {
	ProjectID         string   `json:"projectId"`
	RepoURL           string   `json:"repoUrl"`
	RepoID            string   `json:"repoId"`
	Branch            string   `json:"branch"`
	InstallationToken string   `json:"installationToken,omitempty"`
	InstallationID    int64    `json:"installationId,omitempty"`
	UserID            string   `json:"userId"`
	Username          string   `json:"username"`
	Timestamp         string   `json:"timestamp"`
	Trigger           string   `json:"trigger,omitempty"`
	Event             string   `json:"event,omitempty"`
	Pusher            string   `json:"pusher,omitempty"`
	Commits           []string `json:"commits,omitempty"`
	BeforeSHA         string   `json:"beforeSHA,omitempty"`
	AfterSHA          string   `json:"afterSHA,omitempty"`
}

// IncrementalIndexPayload extends the full-index payload with the
// changed-file sets an incremental pass operates on.
type IncrementalIndexPayload struct {
	IndexRepoPayload
	ChangedFiles      ChangedFiles `json:"changedFiles"`
	TotalChangedFiles int          `json:"totalChangedFiles"`
}

// ProcessPayload is the generation job payload.
type ProcessPayload struct {
	RepoURL           string `json:"repoUrl"`
	Task              string `json:"task"`
	RepoID            string `json:"repoId"`
	IndexingJobID     string `json:"indexingJobId,omitempty"`
	InstallationToken string `json:"installationToken,omitempty"`
	UserID            string `json:"userId"`
	Username          string `json:"username"`
}
