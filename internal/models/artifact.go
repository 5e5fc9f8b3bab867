package models

import "errors"

// Artifact is a finished recording produced by one capture session.
type Artifact struct {
	BaseModel

	StreamName string `gorm:"not null;size:255;index" json:"stream_name"`
	SessionID  string `gorm:"not null;size:26;index" json:"session_id"`
	Name       string `gorm:"not null;size:255" json:"name"`
	// Location is the public location when uploaded, else the local path.
	Location  string `gorm:"not null;size:2048" json:"location"`
	LocalPath string `gorm:"size:2048" json:"local_path,omitempty"`
	Size      int64  `json:"size"`
	Segments  int    `json:"segments"`
	Uploaded  bool   `json:"uploaded"`
}

// TableName returns the table name for Artifact.
func (Artifact) TableName() string {
	return "artifacts"
}

// Validate checks required fields.
func (a *Artifact) Validate() error {
	switch {
	case a.StreamName == "":
		return errors.New("stream_name is required")
	case a.SessionID == "":
		return errors.New("session_id is required")
	case a.Location == "":
		return errors.New("location is required")
	}
	return nil
}
