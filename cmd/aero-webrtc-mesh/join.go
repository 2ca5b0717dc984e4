package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/session"
)

type joinOptions struct {
	id             string
	name           string
	audioOnly      bool
	videoKbps      int
	audioKbps      int
	connectTimeout time.Duration
	maxAttempts    int
	duration       time.Duration
}

func newJoinCmd(global *globalOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room as a headless participant",
		Long: `Join a room and exchange synthetic audio and video with every other
participant. Lines read from stdin are sent as chat. Commands:

  /who         show the roster and link states
  /hand        raise or lower your hand
  /mute        mute or unmute audio
  /audio-only  stop or resume sending video
  /quit        leave the room`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, global, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.id, "id", "", "Participant id (random when empty)")
	f.StringVarP(&opts.name, "name", "n", "", "Display name")
	f.BoolVar(&opts.audioOnly, "audio-only", false, "Start without sending video")
	f.IntVar(&opts.videoKbps, "video-kbps", 0, "Video bandwidth ceiling in kbps (default 500)")
	f.IntVar(&opts.audioKbps, "audio-kbps", 0, "Audio bandwidth ceiling in kbps (default 64)")
	f.DurationVar(&opts.connectTimeout, "connect-timeout", 0, "Per-link connect timeout (default 15s)")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "Reconnect attempts per link before giving up (default 3)")
	f.DurationVar(&opts.duration, "duration", 0, "Leave automatically after this long")
	return cmd
}

func runJoin(cmd *cobra.Command, global *globalOptions, opts *joinOptions, roomID string) error {
	log, err := global.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	signalURL, err := global.signalURL()
	if err != nil {
		return err
	}
	id := opts.id
	if id == "" {
		id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	iceServers, err := session.FetchICEServers(ctx, nil, global.server, id)
	if err != nil {
		log.Warn("continuing without ice servers", "err", err)
	}

	client := session.New(session.Config{
		SignalURL:       signalURL,
		Media:           media.Synthetic{StreamID: id},
		ICEServers:      iceServers,
		AudioOnly:       opts.audioOnly,
		VideoKbps:       opts.videoKbps,
		AudioKbps:       opts.audioKbps,
		ConnectTimeout:  opts.connectTimeout,
		MaxLinkAttempts: opts.maxAttempts,
		Logger:          log,
	})
	if err := client.Join(ctx, roomID, session.Identity{ParticipantID: id, DisplayName: opts.name}); err != nil {
		return err
	}
	defer func() {
		if err := client.Leave(); err != nil {
			log.Warn("leave failed", "err", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "joined %s as %s\n", roomID, id)

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	p := &prompt{client: client, out: out, log: log, audioOnly: opts.audioOnly}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-client.Chat():
			if !ok {
				return client.Err()
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp.Local().Format(time.TimeOnly), msg.Sender, msg.Text)
		case n := <-client.Notices():
			fmt.Fprintf(out, "! %s\n", n)
		case line, ok := <-lines:
			if !ok {
				// stdin closed; stay in the call until interrupted.
				lines = nil
				continue
			}
			if quit := p.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// prompt interprets one line of user input.
type prompt struct {
	client *session.Client
	out    io.Writer
	log    *slog.Logger

	handRaised bool
	muted      bool
	audioOnly  bool
}

func (p *prompt) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	var err error
	switch line {
	case "":
	case "/quit", "/exit":
		return true
	case "/who":
		err = p.who(ctx)
	case "/hand":
		p.handRaised = !p.handRaised
		err = p.client.RaiseHand(p.handRaised)
	case "/mute":
		p.muted = !p.muted
		err = p.client.SetMuted(p.muted)
		fmt.Fprintf(p.out, "muted=%v\n", p.muted)
	case "/audio-only":
		p.audioOnly = !p.audioOnly
		err = p.client.SetAudioOnly(ctx, p.audioOnly)
		fmt.Fprintf(p.out, "audio-only=%v\n", p.audioOnly)
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(p.out, "unknown command %s\n", line)
			return false
		}
		err = p.client.SendChat(line)
	}
	if err != nil {
		p.log.Warn("command failed", "command", line, "err", err)
	}
	return false
}

func (p *prompt) who(ctx context.Context) error {
	roster, err := p.client.Roster(ctx)
	if err != nil {
		return err
	}
	if len(roster) == 0 {
		fmt.Fprintln(p.out, "nobody else is here")
		return nil
	}
	rows := make([][]string, 0, len(roster))
	for _, e := range roster {
		hand := ""
		if e.HandRaised {
			hand = "raised"
		}
		rows = append(rows, []string{e.ID, e.DisplayName, e.State.String(), hand})
	}
	renderRoster(p.out, rows)
	return nil
}
