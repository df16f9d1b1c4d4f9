package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go-micloud/internal/config"
	"go-micloud/internal/logging"
	"go-micloud/micloud"
)

// app holds what every subcommand needs once flags and environment are read.
type app struct {
	cfg    config.Config
	log    *logging.Logger
	client *micloud.Client
	out    io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	var (
		envFile     string
		country     string
		logLevel    string
		timeout     time.Duration
		unencrypted bool
	)

	root := &cobra.Command{
		Use:           "micloud",
		Short:         "Log in to the Xiaomi cloud and call the MIoT API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			a.cfg = config.Load(files...)

			flags := cmd.Flags()
			if flags.Changed("country") {
				a.cfg.Country = country
			}
			if flags.Changed("log-level") {
				a.cfg.LogLevel = logLevel
			}
			if flags.Changed("timeout") {
				a.cfg.TimeoutMs = config.ClampTimeout(int(timeout.Milliseconds()))
			}
			if flags.Changed("unencrypted") {
				a.cfg.Unencrypted = unencrypted
			}
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&envFile, "env-file", "", "read configuration from this .env file")
	pf.StringVar(&country, "country", config.DefaultCountry, "API region ("+strings.Join(micloud.Countries, ", ")+")")
	pf.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.DurationVar(&timeout, "timeout", config.DefaultTimeoutMs*time.Millisecond, "per request timeout")
	pf.BoolVar(&unencrypted, "unencrypted", false, "send plain signed requests instead of RC4 encrypted ones")

	root.AddCommand(
		a.loginCmd(),
		a.loginTwoFactorCmd(),
		a.devicesCmd(),
		a.deviceCmd(),
		a.callCmd(),
		a.propsCmd(),
		a.actionCmd(),
		a.serveCmd(),
	)

	root.SetOut(out)
	return root
}

func (a *app) setup() error {
	a.log = logging.NewLogger(&logging.Config{
		Level:     logging.LogLevel(a.cfg.LogLevel),
		Component: "micloud-cli",
		Output:    os.Stderr,
		PrettyLog: a.cfg.LogPretty,
	})

	client, err := micloud.New(micloud.Options{
		Country:     a.cfg.Country,
		Locale:      a.cfg.Locale,
		Timeout:     time.Duration(a.cfg.TimeoutMs) * time.Millisecond,
		Unencrypted: a.cfg.Unencrypted,
		RateLimit:   a.cfg.RateLimit,
		RateBurst:   a.cfg.RateBurst,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

// session makes the client usable: an exported session from the
// environment is imported, otherwise a password login runs.
func (a *app) session(ctx context.Context) error {
	if a.client.IsAuthenticated() {
		return nil
	}
	imported := micloud.Credentials{
		SSecurity:    a.cfg.SSecurity,
		UserID:       a.cfg.UserID,
		ServiceToken: a.cfg.ServiceToken,
	}
	if a.client.SetServiceToken(imported) {
		a.log.Debug("using service token from environment")
		return nil
	}
	return a.login(ctx)
}

func (a *app) login(ctx context.Context) error {
	if a.cfg.Username == "" {
		return fmt.Errorf("no session: set MICLOUD_USERNAME or MICLOUD_SERVICE_TOKEN")
	}
	password := a.cfg.Password
	if password == "" {
		p, err := readPassword(fmt.Sprintf("Password for %s: ", a.cfg.Username))
		if err != nil {
			return err
		}
		password = p
	}

	err := a.client.Login(ctx, a.cfg.Username, password)
	var twoFactor *micloud.TwoFactorRequiredError
	if errors.As(err, &twoFactor) {
		a.warn("Two-factor verification required")
		a.field("Open", twoFactor.NotificationURL)
		a.field("Then", "micloud login-2fa '<final sts url>'")
	}
	return err
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("MICLOUD_PASSWORD is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
