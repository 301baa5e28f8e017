package dto

import "github.com/cuongbtq/tab-importer/internal/domain"

type TabRequest struct {
	URL    string   `json:"url" binding:"required,url"`
	Title  string   `json:"title"`
	Folder string   `json:"folder"`
	Tags   []string `json:"tags"`
}

type CreateImportRequest struct {
	OwnerID string       `json:"owner_id" binding:"required"`
	Items   []TabRequest `json:"items" binding:"required,min=1,dive"`
}

// Tabs converts the request items to domain tabs
func (r *CreateImportRequest) Tabs() []domain.Tab {
	tabs := make([]domain.Tab, len(r.Items))
	for i, item := range r.Items {
		tabs[i] = domain.Tab{
			URL:    item.URL,
			Title:  item.Title,
			Folder: item.Folder,
			Tags:   item.Tags,
		}
	}
	return tabs
}

type CreateImportResponse struct {
	JobID string `json:"job_id"`
}

type StatusRequest struct {
	JobID   string `form:"job_id"`
	OwnerID string `form:"owner_id"`
}

type OwnerJobsResponse struct {
	OwnerID string            `json:"owner_id"`
	Jobs    []domain.Snapshot `json:"jobs"`
}

type CancelImportRequest struct {
	JobID string `form:"job_id" binding:"required"`
}

type CancelImportResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type ProcessedTabDTO struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Folder        string   `json:"folder,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ItemIndex     int      `json:"item_index"`
	ScreenshotURL string   `json:"screenshot_url"`
	Summary       string   `json:"summary"`
	ProcessedAt   string   `json:"processed_at"`
}

type ListTabsResponse struct {
	JobID string            `json:"job_id"`
	Tabs  []ProcessedTabDTO `json:"tabs"`
}
