// Package scheduler turns cron and interval specs into task queue requests.
//
// It only decides when; execution, retries and conflict handling belong to
// the queue the requests are enqueued on.
package scheduler
