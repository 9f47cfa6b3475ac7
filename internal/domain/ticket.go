package domain

// Ticket is the full content of a tracked work item.
type Ticket struct {
	Key                string
	Title              string
	Description        string
	AcceptanceCriteria string
	Labels             []string
	Priority           string
}

// TicketSummary is the listing form returned by tracker queries.
type TicketSummary struct {
	Key   string
	Title string
}

// RepoContext is the result of analyzing the target repository.
type RepoContext struct {
	Owner         string
	Name          string
	DefaultBranch string
	Description   string
	Languages     map[string]int
	TopLevelPaths []string
}

// ChangeHandle identifies a draft change on the code host.
type ChangeHandle struct {
	Owner  string
	Repo   string
	Number int
	URL    string
	Branch string
}
