package models

import "time"

type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindCode  DocumentKind = "code"
	KindImage DocumentKind = "image"
	KindSheet DocumentKind = "sheet"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case KindText, KindCode, KindImage, KindSheet:
		return true
	}
	return false
}

// Document is one saved version of an artifact; versions share an id.
type Document struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	UserID    int64        `json:"userId"`
	Title     string       `json:"title"`
	Kind      DocumentKind `json:"kind"`
	Content   string       `json:"content"`
}

type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description"`
	IsResolved        bool      `json:"isResolved"`
	UserID            int64     `json:"userId"`
	CreatedAt         time.Time `json:"createdAt"`
}
