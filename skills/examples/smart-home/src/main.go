//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"os"

	"github.com/loqalabs/loqa-live/skills/examples/internal/host"
)

type intent struct {
	Room    string `json:"room"`
	Device  string `json:"device"`
	Action  string `json:"action"`
	Payload string `json:"payload"`
}

//export run
func run() {
	host.Log("smart-home bridge skill invoked")

	endpoint := os.Getenv("HOMEASSISTANT_URL")
	if endpoint == "" {
		host.Log("HOMEASSISTANT_URL not set; using http://localhost:8123")
		endpoint = "http://localhost:8123"
	}

	token := os.Getenv("HOMEASSISTANT_TOKEN")
	if token == "" {
		host.Log("HOMEASSISTANT_TOKEN not provided; requests will fail against a real instance")
	}

	cmd := intent{
		Room:    host.Arg("room"),
		Device:  host.Arg("device"),
		Action:  host.Arg("action"),
		Payload: host.Arg("payload"),
	}
	if cmd.Action == "" || cmd.Device == "" {
		host.Result("Missing required fields: action and device.")
		return
	}

	body, err := json.Marshal(map[string]string{
		"entity_id": cmd.Device,
		"room":      cmd.Room,
		"payload":   cmd.Payload,
	})
	if err != nil {
		host.Result("Failed to encode request: " + err.Error())
		return
	}

	host.Log("would call Home Assistant at " + endpoint)
	host.Log("request body: " + string(body))

	status := map[string]string{
		"device": cmd.Device,
		"action": cmd.Action,
		"state":  "forwarded",
	}
	if cmd.Room != "" {
		status["room"] = cmd.Room
	}
	data, _ := json.Marshal(status)
	host.Result(string(data))
}

func main() {}
