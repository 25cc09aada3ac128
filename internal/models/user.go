package models

import "time"

type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

func (u TemperatureUnit) Valid() bool {
	return u == Celsius || u == Fahrenheit
}

// User is the local projection of an identity-provider account.
type User struct {
	ID              int64           `json:"id"`
	ExternalID      string          `json:"externalId"`
	Email           string          `json:"email"`
	TemperatureUnit TemperatureUnit `json:"temperatureUnit"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type FavouriteModel struct {
	UserID    int64     `json:"-"`
	ModelID   string    `json:"modelId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Upload represents a stored attachment.
type Upload struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"-"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

type CopilotStatus string

const (
	CopilotPending   CopilotStatus = "pending"
	CopilotConnected CopilotStatus = "connected"
)

// CopilotConnection tracks a GitHub device flow and the resulting token.
// AccessToken holds the encrypted token.
type CopilotConnection struct {
	UserID          int64
	Status          CopilotStatus
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        int
	ExpiresAt       time.Time
	AccessToken     string
	ConnectedAt     *time.Time
}
