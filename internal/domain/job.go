package domain

import "time"

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Queued, Processing, Completed, Failed:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Predecessors lists the statuses a job may be in for an update to s to be accepted.
// Processing → Processing carries progress updates and re-claims.
func (s Status) Predecessors() []Status {
	switch s {
	case Processing:
		return []Status{Queued, Processing}
	case Completed, Failed:
		return []Status{Processing}
	}
	return nil
}

func CanTransition(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

type VideoInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Duration  int    `json:"duration"`
	FileSize  int64  `json:"fileSize,omitempty"`
	Quality   string `json:"quality,omitempty"`
}

type Job struct {
	ID             string
	URL            string
	ContentID      *string
	Status         Status
	Progress       int
	Video          *VideoInfo
	DownloadURL    *string
	Provider       *string
	RemoteName     *string
	SizeBytes      *int64
	Error          *string
	ErrorCode      *string
	UserID         *string
	Attempt        int
	MaxAttempts    int
	LeaseExpiresAt *time.Time
	Expired        bool
	ExpiredAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Object returns the stored object the job references, if any.
func (j *Job) Object() (StoredObject, bool) {
	if j.Provider == nil || j.RemoteName == nil {
		return StoredObject{}, false
	}
	o := StoredObject{Provider: *j.Provider, RemoteName: *j.RemoteName}
	if j.SizeBytes != nil {
		o.Size = *j.SizeBytes
	}
	return o, true
}

type StoredObject struct {
	Provider   string
	RemoteName string
	Size       int64
}

type ProviderUsage struct {
	Provider    string
	TotalBytes  int64
	FileCount   int64
	IsFull      bool
	AlertSent   bool
	LastUpdated time.Time
}

func Ptr[T any](v T) *T { return &v }
