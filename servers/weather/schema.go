package weather

import (
	"encoding/json"

	"github.com/mstolt/vane"
)

var capabilityList = []vane.Capability{
	{
		Name:        "get-alerts",
		Description: "Get active weather alerts for a US state",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"state": {
					"type": "string",
					"description": "Two-letter US state code (e.g. CA, NY)",
					"minLength": 2,
					"maxLength": 2
				}
			},
			"required": ["state"]
		}`),
	},
	{
		Name:        "get-forecast",
		Description: "Get the weather forecast for a location",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {
					"type": "number",
					"description": "Latitude of the location",
					"minimum": -90,
					"maximum": 90
				},
				"longitude": {
					"type": "number",
					"description": "Longitude of the location",
					"minimum": -180,
					"maximum": 180
				}
			},
			"required": ["latitude", "longitude"]
		}`),
	},
}

type getAlertsArgs struct {
	State string `json:"state"`
}

type getForecastArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
