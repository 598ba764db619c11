package workflow

// Stats 聚合了工作流状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Draft           int   `json:"draft"`
	Active          int   `json:"active"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusDraft:
		s.Draft++
	case StatusActive:
		s.Active++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	if updatedAt == 0 {
		return
	}
	if s.OldestUpdatedAt == 0 || updatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updatedAt
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
}
