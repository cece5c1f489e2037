package api

import "time"

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data        interface{} `json:"data"`
	LastUpdated time.Time   `json:"last_updated"`
}

// NetworksResponse lists every network together with its checkpoint databases.
type NetworksResponse struct {
	Data        interface{}            `json:"data"`
	Databases   map[string]interface{} `json:"databases"`
	LastUpdated time.Time              `json:"last_updated"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
