package redistribute

// BatchStats 聚合了批次状态的统计信息，常用于仪表盘或健康检查。
type BatchStats struct {
	Total           int   `json:"total"`
	Building        int   `json:"building"`
	Ready           int   `json:"ready"`
	Sent            int   `json:"sent"`
	Confirmed       int   `json:"confirmed"`
	Voided          int   `json:"voided"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
