//go:build tinygo || wasm

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-live/skills/examples/internal/host"
)

//export run
func run() {
	host.Log("timer skill invocation")

	raw := strings.TrimSpace(host.Arg("duration_seconds"))
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		host.Result(fmt.Sprintf("Cannot set a timer for %q; duration must be a positive number of seconds.", raw))
		return
	}
	label := host.Arg("label")
	if label == "" {
		label = "timer"
	}
	host.Log(fmt.Sprintf("starting %s for %ds", label, seconds))
	host.Result(fmt.Sprintf("Started %s for %s.", label, humanize(seconds)))
}

func humanize(seconds int) string {
	m, s := seconds/60, seconds%60
	switch {
	case m == 0:
		return fmt.Sprintf("%d seconds", s)
	case s == 0:
		return fmt.Sprintf("%d minutes", m)
	default:
		return fmt.Sprintf("%d minutes %d seconds", m, s)
	}
}

func main() {}
