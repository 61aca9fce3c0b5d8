package eventlog

import "fmt"

// WebhookDelivery is the canonical inbound record the engine accepts from
// whatever ingress layer terminates the upstream webhook HTTP request.
type WebhookDelivery struct {
	DeliveryID string
	EventType  string
	Action     string // optional, e.g. "opened", "closed"
	Body       map[string]any
}

// Normalized is the pure projection of a WebhookDelivery into the shape
// CreateEvent needs. Handled is false for event types the engine does not
// act on; callers must skip, never error, on Handled=false (spec.md §4.3).
type Normalized struct {
	Handled        bool
	EventType      string
	Class          string
	IdempotencyKey string
	Payload        map[string]any
	RepoNodeID     string
	IssueNodeID    string
	PRNodeID       string
}

// Normalize maps a webhook delivery into a canonical event record. It is a
// pure function: no I/O, no side effects, safe to call speculatively.
func Normalize(d WebhookDelivery) Normalized {
	switch d.EventType {
	case "issues":
		return normalizeIssues(d)
	case "issue_comment":
		return normalizeIssueComment(d)
	case "pull_request":
		return normalizePullRequest(d)
	case "pull_request_review":
		return normalizePullRequestReview(d)
	case "push":
		return normalizePush(d)
	case "check_run":
		return normalizeCheckRun(d)
	case "installation":
		return normalizeInstallation(d)
	case "installation_repositories":
		return normalizeInstallationRepos(d)
	default:
		return Normalized{Handled: false}
	}
}

func normalizeIssues(d WebhookDelivery) Normalized {
	switch d.Action {
	case "opened", "closed", "reopened", "edited", "labeled", "unlabeled":
		issueID, _ := d.Body["issue_node_id"].(string)
		repoID, _ := d.Body["repo_node_id"].(string)
		return Normalized{
			Handled:        true,
			EventType:      "issue." + d.Action,
			Class:          ClassFact,
			IdempotencyKey: fmt.Sprintf("webhook:%s:issue:%s:%s", d.DeliveryID, issueID, d.Action),
			Payload:        d.Body,
			RepoNodeID:     repoID,
			IssueNodeID:    issueID,
		}
	default:
		return Normalized{Handled: false}
	}
}

func normalizeIssueComment(d WebhookDelivery) Normalized {
	if d.Action != "created" {
		return Normalized{Handled: false}
	}
	commentID, _ := d.Body["comment_node_id"].(string)
	issueID, _ := d.Body["issue_node_id"].(string)
	repoID, _ := d.Body["repo_node_id"].(string)
	return Normalized{
		Handled:        true,
		EventType:      "issue_comment.created",
		Class:          ClassFact,
		IdempotencyKey: fmt.Sprintf("webhook:%s:comment:%s", d.DeliveryID, commentID),
		Payload:        d.Body,
		RepoNodeID:     repoID,
		IssueNodeID:    issueID,
	}
}

func normalizePullRequest(d WebhookDelivery) Normalized {
	prID, _ := d.Body["pr_node_id"].(string)
	repoID, _ := d.Body["repo_node_id"].(string)
	eventType := "pull_request." + d.Action
	if d.Action == "closed" {
		if merged, _ := d.Body["merged"].(bool); merged {
			eventType = "pull_request.merged"
		}
	}
	switch d.Action {
	case "opened", "closed", "edited", "reopened":
		return Normalized{
			Handled:        true,
			EventType:      eventType,
			Class:          ClassFact,
			IdempotencyKey: fmt.Sprintf("webhook:%s:pr:%s:%s", d.DeliveryID, prID, d.Action),
			Payload:        d.Body,
			RepoNodeID:     repoID,
			PRNodeID:       prID,
		}
	default:
		return Normalized{Handled: false}
	}
}

func normalizePullRequestReview(d WebhookDelivery) Normalized {
	if d.Action != "submitted" {
		return Normalized{Handled: false}
	}
	prID, _ := d.Body["pr_node_id"].(string)
	reviewID, _ := d.Body["review_node_id"].(string)
	repoID, _ := d.Body["repo_node_id"].(string)
	return Normalized{
		Handled:        true,
		EventType:      "pull_request.review",
		Class:          ClassFact,
		IdempotencyKey: fmt.Sprintf("webhook:%s:review:%s", d.DeliveryID, reviewID),
		Payload:        d.Body,
		RepoNodeID:     repoID,
		PRNodeID:       prID,
	}
}

func normalizePush(d WebhookDelivery) Normalized {
	repoID, _ := d.Body["repo_node_id"].(string)
	return Normalized{
		Handled:        true,
		EventType:      "push",
		Class:          ClassFact,
		IdempotencyKey: fmt.Sprintf("webhook:%s:push", d.DeliveryID),
		Payload:        d.Body,
		RepoNodeID:     repoID,
	}
}

func normalizeCheckRun(d WebhookDelivery) Normalized {
	if d.Action != "completed" {
		return Normalized{Handled: false}
	}
	checkID, _ := d.Body["check_run_node_id"].(string)
	repoID, _ := d.Body["repo_node_id"].(string)
	return Normalized{
		Handled:        true,
		EventType:      "check_run.completed",
		Class:          ClassSignal,
		IdempotencyKey: fmt.Sprintf("webhook:%s:check_run:%s", d.DeliveryID, checkID),
		Payload:        d.Body,
		RepoNodeID:     repoID,
	}
}

func normalizeInstallation(d WebhookDelivery) Normalized {
	switch d.Action {
	case "created", "deleted":
		id, _ := d.Body["installation_id"].(string)
		return Normalized{
			Handled:        true,
			EventType:      "installation." + d.Action,
			Class:          ClassFact,
			IdempotencyKey: fmt.Sprintf("webhook:%s:installation:%s:%s", d.DeliveryID, id, d.Action),
			Payload:        d.Body,
		}
	default:
		return Normalized{Handled: false}
	}
}

func normalizeInstallationRepos(d WebhookDelivery) Normalized {
	switch d.Action {
	case "added", "removed":
		id, _ := d.Body["installation_id"].(string)
		return Normalized{
			Handled:        true,
			EventType:      "installation_repositories." + d.Action,
			Class:          ClassFact,
			IdempotencyKey: fmt.Sprintf("webhook:%s:installation_repos:%s:%s", d.DeliveryID, id, d.Action),
			Payload:        d.Body,
		}
	default:
		return Normalized{Handled: false}
	}
}
