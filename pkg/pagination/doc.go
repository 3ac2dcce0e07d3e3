// Package pagination fetches single pages of a Jira issue search.
//
// A Fetcher turns a Source and a Cursor into a Page. Every network attempt,
// including retries, first acquires a token from the shared rate limiter, so
// retries never bypass the global request budget.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(jiraClient, limiter, policy, pagination.DefaultConfig(), logger)
//	page, err := fetcher.Fetch(ctx, src, pagination.Cursor{StartAt: 500}, 100)
//
// Failed attempts are classified by the client and handed to the retry policy:
//   - network, 429 and 5xx errors are retried with exponential backoff
//   - a 429 Retry-After is forwarded to the limiter and waited out
//   - 4xx and malformed bodies fail the page immediately
//
// A page is terminal when it returns fewer records than requested. The
// fetcher never touches checkpoints; committing pages is the driver's job.
package pagination
