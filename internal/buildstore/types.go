package buildstore

// BuildState is the persisted state record for a single build run.
type BuildState struct {
	ID        string   `json:"id"`
	Bot       string   `json:"bot"`
	Boards    []string `json:"boards"`
	Buildroot string   `json:"buildroot"`
	Status    string   `json:"status"` // "running", "passed", "failed"
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}
