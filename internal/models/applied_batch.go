package models

// AppliedBatch summarizes a committed batch for downstream notification
type AppliedBatch struct {
	ID         string   `json:"id"`
	Table      string   `json:"table"`
	Collection string   `json:"collection"`
	Timestamp  int64    `json:"timestamp"`
	Upserted   []string `json:"upserted"`
	Deleted    []string `json:"deleted"`
	Ignored    int      `json:"ignored"`
}
