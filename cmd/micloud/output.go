package main

import (
	"encoding/json"
	"fmt"

	"go-micloud/micloud"
)

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	green  = "\033[32m"
	red    = "\033[31m"
	cyan   = "\033[36m"
	yellow = "\033[33m"
)

func (a *app) heading(title string) {
	fmt.Fprintf(a.out, "%s%s  ── %s ──%s\n", cyan, bold, title, reset)
}

func (a *app) success(msg string) {
	fmt.Fprintf(a.out, "%s    ✓ %s%s\n", green, msg, reset)
}

func (a *app) warn(msg string) {
	fmt.Fprintf(a.out, "%s    ! %s%s\n", yellow, msg, reset)
}

func (a *app) failure(err error) {
	fmt.Fprintf(a.out, "%s    ✗ %s%s\n", red, err, reset)
}

func (a *app) field(name, value string) {
	fmt.Fprintf(a.out, "%s    %-13s %s%s\n", dim, name+":", value, reset)
}

// exportCredentials prints the session as shell assignments that a later
// invocation picks up from the environment.
func (a *app) exportCredentials(creds micloud.Credentials) {
	fmt.Fprintf(a.out, "MICLOUD_SSECURITY=%s\n", creds.SSecurity)
	fmt.Fprintf(a.out, "MICLOUD_USER_ID=%s\n", creds.UserID)
	fmt.Fprintf(a.out, "MICLOUD_SERVICE_TOKEN=%s\n", creds.ServiceToken)
}

// exportPlaceholder prints a degraded session commented out, so that
// evaluating the output does not import it by accident.
func (a *app) exportPlaceholder(creds micloud.Credentials) {
	fmt.Fprintf(a.out, "# MICLOUD_SSECURITY=%s\n", creds.SSecurity)
	fmt.Fprintf(a.out, "# MICLOUD_USER_ID=%s\n", creds.UserID)
	fmt.Fprintf(a.out, "# MICLOUD_SERVICE_TOKEN=%s\n", creds.ServiceToken)
}

func (a *app) printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(b))
	return nil
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
