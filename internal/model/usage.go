package model

import "time"

// UsageLogEntry is one row per verified request.
type UsageLogEntry struct {
	ID             string    `json:"id"`
	APIKeyID       string    `json:"apiKeyId"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	ClientIP       string    `json:"clientIp"`
	RequestSize    int64     `json:"requestSize"`
	ResponseSize   int64     `json:"responseSize"`
	ScopesUsed     []string  `json:"scopesUsed"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}
