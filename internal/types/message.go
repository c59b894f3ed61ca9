package types

// JobMessage is the payload enqueued by the web frontend and consumed
// by the worker. UUID doubles as the job's working directory name.
type JobMessage struct {
	Type  JobType `json:"type"`
	Title string  `json:"title"`
	UUID  string  `json:"uuid"`
	JobID string  `json:"jobid"`
}
