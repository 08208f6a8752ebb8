package models

import "encoding/json"

// ProviderMessage is one entry of the SignalWire (Twilio-compatible)
// Messages.json listing. Only the Fetcher sees this shape.
type ProviderMessage struct {
	SID          string          `json:"sid"`
	DateCreated  string          `json:"date_created"`
	DateSent     string          `json:"date_sent"`
	DateUpdated  string          `json:"date_updated"`
	To           string          `json:"to"`
	From         string          `json:"from"`
	Status       string          `json:"status"`
	Direction    string          `json:"direction"`
	ErrorCode    json.RawMessage `json:"error_code"`
	ErrorMessage *string         `json:"error_message"`
	Price        *string         `json:"price"`
	Body         *string         `json:"body"`
	NumMedia     string          `json:"num_media"`
	NumSegments  string          `json:"num_segments"`
}

// ProviderMessagePage is the envelope of a Messages.json response
type ProviderMessagePage struct {
	Messages    []ProviderMessage `json:"messages"`
	NextPageURI *string           `json:"next_page_uri"`
	Page        int               `json:"page"`
	PageSize    int               `json:"page_size"`
}
