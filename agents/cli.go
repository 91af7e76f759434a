package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/meshcall"
	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandMute
	CommandUnmute
	CommandVideo
	CommandSay
	CommandApprove
	CommandDeny
	CommandKick
	CommandWho
	CommandLeave
	CommandHelp
)

func (k CommandKind) String() string {
	switch k {
	case CommandMute:
		return "mute"
	case CommandUnmute:
		return "unmute"
	case CommandVideo:
		return "video"
	case CommandSay:
		return "say"
	case CommandApprove:
		return "approve"
	case CommandDeny:
		return "deny"
	case CommandKick:
		return "kick"
	case CommandWho:
		return "who"
	case CommandLeave:
		return "leave"
	case CommandHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Command is one line typed by the user.
type Command struct {
	Kind CommandKind
	Arg  string
	On   bool
}

var ErrEmptyCommand = errors.New("empty command")

const helpText = `mute | unmute           toggle the microphone
video on | video off    toggle the camera
say <text>              send a chat message
approve <id>            admit a waiting participant (host)
deny <id>               reject a waiting participant (host)
kick <id>               remove a participant (host)
who                     list participants and connections
leave                   leave the room`

// ParseCommand turns an input line into a Command. Anything that is not a
// known verb is sent as chat.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyCommand
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(verb) {
	case "mute":
		return Command{Kind: CommandMute}, nil
	case "unmute":
		return Command{Kind: CommandUnmute}, nil
	case "video":
		switch strings.ToLower(rest) {
		case "on":
			return Command{Kind: CommandVideo, On: true}, nil
		case "off":
			return Command{Kind: CommandVideo}, nil
		}
		return Command{}, fmt.Errorf("video expects on or off, got %q", rest)
	case "say":
		if rest == "" {
			return Command{}, errors.New("say needs a message")
		}
		return Command{Kind: CommandSay, Arg: rest}, nil
	case "approve", "deny", "kick":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return Command{}, fmt.Errorf("%s needs exactly one participant id", verb)
		}
		kind := map[string]CommandKind{"approve": CommandApprove, "deny": CommandDeny, "kick": CommandKick}[strings.ToLower(verb)]
		return Command{Kind: kind, Arg: rest}, nil
	case "who":
		return Command{Kind: CommandWho}, nil
	case "leave", "quit", "exit":
		return Command{Kind: CommandLeave}, nil
	case "help", "?":
		return Command{Kind: CommandHelp}, nil
	default:
		return Command{Kind: CommandSay, Arg: line}, nil
	}
}

// CLIAgent drives one Session from a terminal and reports what happens in
// it through a Printer.
type CLIAgent struct {
	meshcall.NopObserver

	logger        shared.LoggerAdapter
	printer       *shared.Printer
	session       *meshcall.Session
	statsInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining map[string]struct{}
	ended    chan struct{}
}

var _ meshcall.Observer = (*CLIAgent)(nil)

// Spawn builds the session and blocks until it is established or fails.
// A nil capturer opens the local camera and microphone.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg meshcall.SessionConfig,
	printer *shared.Printer,
	capturer meshcall.Capturer,
	opts ...meshcall.SessionOption,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger.With(zap.String("component", "agent"))
	a.printer = printer
	a.draining = make(map[string]struct{})
	a.ended = make(chan struct{})
	if a.statsInterval == 0 {
		a.statsInterval = 10 * time.Second
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	if capturer == nil {
		dc, err := tools.NewDeviceCapturer(logger)
		if err != nil {
			a.logger.Error("creating device capturer", err)
			return err
		}
		capturer = dc
	}

	a.println("📋 Session Config\n", 0)
	if out, err := yaml.MarshalWithOptions(describe(cfg), yaml.Indent(2)); err != nil {
		a.logger.Error("marshaling session config to yaml", err)
	} else if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing session config", err)
	}

	opts = append([]meshcall.SessionOption{meshcall.WithCapturer(capturer), meshcall.WithObserver(a)}, opts...)
	session, err := meshcall.NewSession(logger, cfg, opts...)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	a.session = session

	a.println("\n🎥 Accessing camera and microphone...", 0)
	if err := session.Start(ctx); err != nil {
		a.logger.Error("starting session", err)
		a.println("❌ "+failureText(err)+"\n", 0)
		return err
	}
	local := session.Local()
	a.logger.Info("session established", zap.String("transport_id", local.TransportID))
	a.printer.Printf(0, "✅ Joined room %s as %s (%s)\n", local.RoomID, local.DisplayName, local.TransportID)
	return nil
}

// Done is closed once the session has ended for any reason.
func (a *CLIAgent) Done() <-chan struct{} {
	if a.session == nil {
		return a.ended
	}
	return a.session.Done()
}

func (a *CLIAgent) Session() *meshcall.Session { return a.session }

// Close leaves the room and stops every track drain.
func (a *CLIAgent) Close() error {
	if a.cancel != nil {
		defer a.cancel()
	}
	if a.session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.session.Leave(ctx); err != nil {
		a.logger.Error("leaving session", err)
		return err
	}
	return nil
}

// ReadCommands executes one command per line of r until r is exhausted, ctx
// ends or a leave command is read.
func (a *CLIAgent) ReadCommands(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			cmd, err := ParseCommand(line)
			if errors.Is(err, ErrEmptyCommand) {
				continue
			}
			if err != nil {
				a.println("⚠️  "+err.Error(), 0)
				continue
			}
			if err := a.Execute(ctx, cmd); err != nil {
				a.logger.Warn("command failed", zap.Stringer("command", cmd.Kind), zap.Error(err))
				a.println("⚠️  "+cmd.Kind.String()+": "+err.Error(), 0)
			}
			if cmd.Kind == CommandLeave {
				return nil
			}
		}
	}
}

func (a *CLIAgent) Execute(ctx context.Context, cmd Command) error {
	if a.session == nil {
		return shared.ErrNotEstablished
	}
	switch cmd.Kind {
	case CommandMute, CommandUnmute:
		on := cmd.Kind == CommandUnmute
		if err := a.session.SetAudioEnabled(ctx, on); err != nil {
			return err
		}
		a.println(map[bool]string{true: "🎤 Microphone on", false: "🔇 Microphone off"}[on], 0)
	case CommandVideo:
		if err := a.session.SetVideoEnabled(ctx, cmd.On); err != nil {
			return err
		}
		a.println(map[bool]string{true: "📷 Camera on", false: "🚫 Camera off"}[cmd.On], 0)
	case CommandSay:
		return a.session.SendMessage(ctx, cmd.Arg)
	case CommandApprove:
		return a.session.Approve(ctx, cmd.Arg)
	case CommandDeny:
		return a.session.Deny(ctx, cmd.Arg)
	case CommandKick:
		return a.session.Remove(ctx, cmd.Arg)
	case CommandWho:
		a.printRoster()
	case CommandLeave:
		return a.Close()
	case CommandHelp:
		a.println(helpText, 1)
	default:
		return fmt.Errorf("unsupported command %s", cmd.Kind)
	}
	return nil
}

func (a *CLIAgent) printRoster() {
	state := a.session.Admission()
	local := a.session.Local()
	a.printer.Printf(0, "👥 %s (you%s)", local.DisplayName, map[bool]string{true: ", host", false: ""}[state.IsHost])
	conns := make(map[string]meshcall.CallConnection)
	for _, c := range a.session.Connections() {
		conns[c.PeerID] = c
	}
	participants := a.session.Participants()
	sort.Slice(participants, func(i, j int) bool { return participants[i].Name < participants[j].Name })
	for _, p := range participants {
		call := "no call"
		if c, ok := conns[p.PeerID]; ok {
			call = c.State.String()
		}
		a.printer.Printf(1, "%s [%s] audio=%s video=%s call=%s", p.Name, p.PeerID, onOff(p.AudioEnabled), onOff(p.VideoEnabled), call)
	}
	for _, w := range state.WaitingRoster {
		a.printer.Printf(1, "⏳ %s [%s] waiting since %s", w.Name, w.ID, w.RequestedAt.Format(time.Kitchen))
	}
}

func (a *CLIAgent) AdmissionChanged(state meshcall.AdmissionState) {
	switch state.Phase {
	case meshcall.AdmissionWaiting:
		a.println("⏳ Waiting for the host to let you in...", 0)
	case meshcall.AdmissionApproved:
		if state.IsHost {
			a.println("👑 You are the host", 0)
		}
		for _, w := range state.WaitingRoster {
			a.printer.Printf(0, "🚪 %s [%s] is waiting; type `approve %s` or `deny %s`", w.Name, w.ID, w.ID, w.ID)
		}
	case meshcall.AdmissionDenied:
		msg := "❌ The host denied your request"
		if state.Message != "" {
			msg += ": " + state.Message
		}
		a.println(msg, 0)
	}
}

func (a *CLIAgent) ParticipantUpdated(p meshcall.RemoteParticipant) {
	a.logger.Debug(
		"participant updated",
		zap.String("peer", p.PeerID),
		zap.Bool("audio", p.AudioEnabled),
		zap.Bool("video", p.VideoEnabled),
		zap.Int("tracks", len(p.Tracks)),
	)
	for _, track := range p.Tracks {
		a.drain(p, track)
	}
}

// drain keeps every remote track read exactly once for its lifetime.
func (a *CLIAgent) drain(p meshcall.RemoteParticipant, track meshcall.RemoteTrack) {
	reader, ok := track.(tools.PacketReader)
	if !ok {
		return
	}
	a.mu.Lock()
	if _, seen := a.draining[track.ID()]; seen {
		a.mu.Unlock()
		return
	}
	a.draining[track.ID()] = struct{}{}
	a.mu.Unlock()

	logger := a.logger.With(zap.String("peer", p.PeerID), zap.String("track", track.ID()), zap.Stringer("kind", track.Kind()))
	a.printer.Printf(0, "📡 Receiving %s from %s", track.Kind(), p.Name)
	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.draining, track.ID())
			a.mu.Unlock()
		}()
		err := tools.DrainRemoteTrack(a.ctx, logger, reader, a.statsInterval, func(s tools.TrackStats) {
			logger.Debug("remote track stats", zap.Uint64("packets", s.Packets), zap.Float64("bps", s.Bitrate()))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("remote track drain stopped", zap.Error(err))
		}
	}()
}

func (a *CLIAgent) ParticipantRemoved(peerID string) {
	a.printer.Printf(0, "👋 %s left", peerID)
}

func (a *CLIAgent) ChatMessage(msg meshcall.ChatMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	a.printer.Printf(0, "💬 [%s] %s: %s", ts.Format(time.Kitchen), msg.Sender, msg.Text)
}

func (a *CLIAgent) Notify(n meshcall.Notification) {
	icon := "ℹ️ "
	switch n.Level {
	case meshcall.NotificationWarning:
		icon = "⚠️ "
	case meshcall.NotificationError:
		icon = "❌"
	}
	a.println(icon+" "+n.Message, 0)
}

func (a *CLIAgent) SessionEnded(err error) {
	if err != nil {
		a.println("🛑 Session ended: "+failureText(err), 0)
	} else {
		a.println("👋 Left the room", 0)
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing to terminal", err)
	}
}

// failureText maps session errors to what a user can act on.
func failureText(err error) string {
	var mediaErr *shared.MediaAccessError
	var roomErr *shared.RoomError
	switch {
	case errors.As(err, &mediaErr):
		switch mediaErr.Kind {
		case shared.MediaErrorPermissionDenied:
			return "Camera or microphone access was denied."
		case shared.MediaErrorDeviceNotFound:
			return "No camera or microphone was found."
		case shared.MediaErrorDeviceBusy:
			return "The camera or microphone is in use by another application."
		}
		return "Unable to access camera or microphone."
	case errors.As(err, &roomErr):
		return roomErr.Message
	case errors.Is(err, shared.ErrAdmissionDenied):
		return "The host denied your request to join."
	case errors.Is(err, shared.ErrRemoved):
		return "You were removed from the room."
	case errors.Is(err, shared.ErrAdmissionTimeout):
		return "The server did not answer the join request."
	case errors.Is(err, shared.ErrSignalingConnect), errors.Is(err, shared.ErrSignalingTimeout):
		return "Could not reach the signaling server."
	case errors.Is(err, shared.ErrSignalingDisconnected):
		return "Lost connection to the signaling server."
	}
	return err.Error()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

type configView struct {
	Room      string   `yaml:"room"`
	Name      string   `yaml:"name"`
	Signaling string   `yaml:"signaling"`
	Video     string   `yaml:"video"`
	Audio     string   `yaml:"audio"`
	ICE       []string `yaml:"ice"`
}

func describe(cfg meshcall.SessionConfig) configView {
	c := cfg.Media.Constraints
	v := configView{
		Room:      cfg.RoomID,
		Name:      cfg.DisplayName,
		Signaling: cfg.Signaling.URL,
		Video:     "off",
		Audio:     "off",
	}
	if c.Video {
		v.Video = fmt.Sprintf("%dx%d@%gfps", c.Width, c.Height, c.FrameRate)
	}
	if c.Audio {
		v.Audio = fmt.Sprintf("%dHz x%d", c.SampleRate, c.ChannelCount)
	}
	for _, s := range cfg.RTC.ICEServers {
		v.ICE = append(v.ICE, s.URLs...)
	}
	return v
}
