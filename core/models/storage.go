package models

import "time"

// Tier represents a storage category with its own retention policy
type Tier string

const (
	TierUpload       Tier = "upload"
	TierIntermediate Tier = "intermediate"
	TierFinal        Tier = "final"
	TierScratch      Tier = "scratch"
)

// Tiers lists all storage tiers
var Tiers = []Tier{TierUpload, TierIntermediate, TierFinal, TierScratch}

// StorageItem represents a file written during a run, tagged by tier and
// owning task. Items are committed only when the owning task completes;
// uncommitted items are deleted when the task fails.
type StorageItem struct {
	Path      string    `json:"path"`
	Tier      Tier      `json:"tier"`
	TaskID    string    `json:"task_id"`
	Size      int64     `json:"size"`
	Committed bool      `json:"committed"`
	CreatedAt time.Time `json:"created_at"`
}
