package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	sdk "Orchestrator-Core/sdk/go/orchestrator"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
)

// print renders v as indented JSON when -o json is set, otherwise calls text.
func (a *app) print(v any, text func()) error {
	if a.settings.Output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "completed", "healthy", "closed":
		return okColor.Sprint(status)
	case "failed", "timeout", "unhealthy", "open":
		return failColor.Sprint(status)
	case "running", "half_open", "degraded":
		return warnColor.Sprint(status)
	case "queued", "pending":
		return infoColor.Sprint(status)
	default:
		return status
	}
}

func printTask(t sdk.Task) {
	fmt.Printf("id:         %s\n", t.ID)
	fmt.Printf("pattern:    %s -> %s\n", t.Pattern, t.Target)
	fmt.Printf("status:     %s\n", colorStatus(t.Status))
	fmt.Printf("priority:   %d\n", t.Priority)
	fmt.Printf("retries:    %d/%d (transport %d)\n", t.RetryCount, t.MaxRetries, t.TransportRetries)
	fmt.Printf("updated:    %s\n", t.UpdatedAt.Local().Format(time.DateTime))
	if len(t.Result) > 0 {
		fmt.Printf("result:     %s\n", string(t.Result))
	}
	if t.Error != "" {
		fmt.Printf("error:      %s %s\n", failColor.Sprint(t.ErrorCode), t.Error)
	}
}
