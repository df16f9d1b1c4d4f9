package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-micloud/internal/logging"
	"go-micloud/micloud"
)

func (a *app) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with MICLOUD_USERNAME and MICLOUD_PASSWORD and print the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.heading("Login (" + a.client.Country() + ")")
			if err := a.login(cmd.Context()); err != nil {
				a.failure(err)
				return err
			}
			return a.printSession()
		},
	}
}

func (a *app) loginTwoFactorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login-2fa <sts-url>",
		Short: "Finish a two-factor login from the STS URL the browser ended on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.heading("Two-factor login")
			err := a.client.LoginWithTwoFactor(cmd.Context(), args[0])

			var placeholder *micloud.PlaceholderTokenError
			if errors.As(err, &placeholder) {
				a.warn("STS returned no service token; derived a placeholder that may be rejected")
				a.exportPlaceholder(placeholder.Credentials)
				return err
			}
			if err != nil {
				a.failure(err)
				return err
			}
			return a.printSession()
		},
	}
}

func (a *app) printSession() error {
	creds, ok := a.client.ServiceToken()
	if !ok {
		return micloud.ErrNotAuthenticated
	}
	a.success("Authenticated")
	a.field("userId", creds.UserID)
	a.field("serviceToken", logging.Redact(creds.ServiceToken, 10))
	a.exportCredentials(creds)
	return nil
}

func (a *app) devicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices [did...]",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			devices, err := a.client.GetDevices(cmd.Context(), args...)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(devices)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DID\tNAME\tMODEL\tIP\tONLINE")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", d.DID, truncate(d.Name, 32), d.Model, d.LocalIP, d.IsOnline)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw device list")
	return cmd
}

func (a *app) deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device <did>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			device, err := a.client.GetDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(device)
		},
	}
}

func (a *app) callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <did> <method> [params-json]",
		Short: "Relay a miIO command through the cloud",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage("[]")
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params must be JSON, got %q", args[2])
				}
				params = json.RawMessage(args[2])
			}
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			result, err := a.client.MiioCall(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}
}

func (a *app) propsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "props",
		Short: "Read or write MIoT properties",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <did> <siid.piid>...",
		Short: "Read MIoT properties",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := make([]micloud.PropertyQuery, 0, len(args)-1)
			for _, ref := range args[1:] {
				siid, piid, err := parseIIDPair(ref)
				if err != nil {
					return err
				}
				queries = append(queries, micloud.PropertyQuery{DID: args[0], SIID: siid, PIID: piid})
			}
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			result, err := a.client.MiotGetProps(cmd.Context(), queries)
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <did> <siid.piid> <value>",
		Short: "Write a MIoT property",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			siid, piid, err := parseIIDPair(args[1])
			if err != nil {
				return err
			}
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			result, err := a.client.MiotSetProps(cmd.Context(), []micloud.PropertyValue{
				{DID: args[0], SIID: siid, PIID: piid, Value: parseValue(args[2])},
			})
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	})
	return cmd
}

func (a *app) actionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <did> <siid> <aiid> [in-json]",
		Short: "Invoke a MIoT action",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			siid, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("siid: %w", err)
			}
			aiid, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("aiid: %w", err)
			}
			var in []interface{}
			if len(args) == 4 {
				if err := json.Unmarshal([]byte(args[3]), &in); err != nil {
					return fmt.Errorf("in must be a JSON array: %w", err)
				}
			}
			if err := a.session(cmd.Context()); err != nil {
				return err
			}
			result, err := a.client.MiotAction(cmd.Context(), micloud.ActionParams{DID: args[0], SIID: siid, AIID: aiid, In: in})
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}
}

// parseIIDPair reads a "siid.piid" property reference.
func parseIIDPair(ref string) (int, int, error) {
	s, p, ok := strings.Cut(ref, ".")
	if !ok {
		return 0, 0, fmt.Errorf("property %q: want siid.piid", ref)
	}
	siid, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("property %q: siid: %w", ref, err)
	}
	piid, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("property %q: piid: %w", ref, err)
	}
	return siid, piid, nil
}

// parseValue treats the argument as JSON when it parses and as a plain
// string otherwise, so both `true` and `auto` work on the command line.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
