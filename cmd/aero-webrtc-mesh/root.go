package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time.
	buildCommit = ""
	buildTime   = ""
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server    string
	apiKey    string
	token     string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "aero-webrtc-mesh",
		Short: "Join mesh video calls and manage meetings on an aero relay",
		Long: `aero-webrtc-mesh joins a room on an aero-webrtc-mesh-relay as a headless
participant, sending synthetic audio and video to every other participant over
direct WebRTC links. It also creates and lists meetings through the relay API.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", "http://127.0.0.1:8080", "Relay base URL")
	pf.StringVar(&opts.apiKey, "api-key", "", "API key for AUTH_MODE=api_key relays")
	pf.StringVar(&opts.token, "token", "", "JWT for AUTH_MODE=jwt relays")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(
		newJoinCmd(opts),
		newMeetingsCmd(opts),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// credential is whichever of --api-key and --token is set; --token wins.
func (o *globalOptions) credential() string {
	if o.token != "" {
		return o.token
	}
	return o.apiKey
}

func (o *globalOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch o.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
}

// signalURL maps the relay base URL onto its signaling WebSocket. The
// credential travels as a query parameter, which is where the relay reads it.
func (o *globalOptions) signalURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(o.server))
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid --server %q: scheme must be http or https", o.server)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid --server %q: missing host", o.server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/webrtc/signal"
	q := url.Values{}
	if o.apiKey != "" {
		q.Set("apiKey", o.apiKey)
	}
	if o.token != "" {
		q.Set("token", o.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			commit, built := buildCommit, buildTime
			if commit == "" {
				commit = "dev"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "aero-webrtc-mesh %s %s\n", commit, built)
			return err
		},
	}
}
