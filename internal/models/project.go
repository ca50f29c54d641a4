package models

import "time"

type Project struct {
	ID         string           `json:"id"`
	UserID     string           `json:"userId"`
	Name       string           `json:"name"`
	Resolution string           `json:"resolution"`
	FPS        int              `json:"fps"`
	Status     string           `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Versions   []ProjectVersion `json:"versions,omitempty"`
}

type ProjectVersion struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	VersionNumber int       `json:"versionNumber"`
	Title         string    `json:"title"`
	Code          string    `json:"code"`
	CreatedAt     time.Time `json:"createdAt"`
}
