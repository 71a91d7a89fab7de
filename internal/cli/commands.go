// Package cli implements the interactive operator console of the game host.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/db"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/network"
	"github.com/lkrzak/mniam-headless/internal/protocol"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     *network.Server
	sessions *db.SessionStore

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler reading commands from in. sessions may
// be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, game *network.Server, sessions *db.SessionStore, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		sessions: sessions,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nmniam CLI ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error")
		}
	}()

	for {
		fmt.Fprint(c.out, "mniam> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "clients", "ls":
		c.printClients()
	case "client":
		return c.cmdClient(args)
	case "kick":
		return c.cmdKick(args)
	case "prune":
		fmt.Fprintf(c.out, "Removed %d inactive clients\n", c.game.RemoveAllInactiveClients())
	case "accept":
		c.game.AcceptIncomingConnections()
		fmt.Fprintln(c.out, "Accepting new connections")
	case "reject":
		c.game.RejectIncomingConnections()
		fmt.Fprintln(c.out, "Rejecting new connections")
	case "send":
		return c.cmdSend(args)
	case "sessions":
		return c.cmdSessions(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down mniam...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  clients                       List all clients
  client <id>                   Show one client
  kick <id>                     Remove a client and close its socket
  prune                         Remove all inactive clients
  accept                        Accept new connections
  reject                        Reject new connections
  send [@id] <req> <resp> <n> [kind:value...]
                                Send a packet and wait for responses of
                                type <resp> with an n byte payload
                                (n < 0: no response). Fields: u8 u16 u32
                                i32 f32 str<N>
  sessions [limit]              Show recent client sessions
  quit                          Shut down the host
  help                          Show this help message

`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printClients displays the client table.
func (c *CLI) printClients() {
	clients := c.game.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(c.out, "No clients")
		return
	}

	tw := c.newTable("ID", "IP", "Active", "Mean RTT", "Connected", "Disconnected")
	for _, ci := range clients {
		disconnected := "-"
		if !ci.Active {
			disconnected = formatMillis(ci.DisconnectedForMillis)
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(ci.ID), 10),
			ci.IP,
			strconv.FormatBool(ci.Active),
			fmt.Sprintf("%dms", ci.MeanRTTMillis),
			formatMillis(ci.ConnectedForMillis),
			disconnected,
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "Accepting: %v\n", c.game.IsAccepting())
}

func (c *CLI) cmdClient(args []string) error {
	id, err := parseClientArg(args)
	if err != nil {
		return err
	}

	info, ok := c.game.Lookup(id)
	if !ok {
		return fmt.Errorf("client %d not found", id)
	}
	fmt.Fprintf(c.out, "\n  Client:       %d\n", info.ID)
	fmt.Fprintf(c.out, "  IP:           %s\n", info.IP)
	fmt.Fprintf(c.out, "  Active:       %v\n", info.Active)
	fmt.Fprintf(c.out, "  Mean RTT:     %dms\n", info.MeanRTTMillis)
	fmt.Fprintf(c.out, "  Connected:    %s\n", formatMillis(info.ConnectedForMillis))
	if !info.Active {
		fmt.Fprintf(c.out, "  Disconnected: %s\n", formatMillis(info.DisconnectedForMillis))
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	id, err := parseClientArg(args)
	if err != nil {
		return err
	}
	if !c.game.RemoveClient(id) {
		return fmt.Errorf("client %d not found", id)
	}
	fmt.Fprintf(c.out, "Client %d removed\n", id)
	return nil
}

// cmdSend builds a packet from the arguments, runs it against all active
// clients or a single one and prints the per-client outcome.
func (c *CLI) cmdSend(args []string) error {
	single := false
	var target uint32
	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		id, err := strconv.ParseUint(args[0][1:], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid client: %s", args[0])
		}
		if _, ok := c.game.Lookup(uint32(id)); !ok {
			return fmt.Errorf("client %d not found", id)
		}
		single, target = true, uint32(id)
		args = args[1:]
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: send [@id] <req-type> <resp-type> <resp-payload-size> [kind:value...]")
	}

	reqType, err := protocol.ParsePacketType(args[0])
	if err != nil {
		return err
	}
	respType, err := protocol.ParsePacketType(args[1])
	if err != nil {
		return err
	}
	respSize, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid response payload size: %s", args[2])
	}

	builder := protocol.NewPayloadBuilder()
	for _, field := range args[3:] {
		if err := builder.AppendField(field); err != nil {
			return err
		}
	}

	tx, err := network.NewPacketTransaction(reqType, builder.Payload(), respType, respSize)
	if err != nil {
		return err
	}

	if single {
		c.game.RunTransactionWithSingleClient(target, tx.Transaction)
	} else if n := c.game.RunTransaction(tx.Transaction); n == 0 {
		fmt.Fprintln(c.out, "No active clients")
		return nil
	}

	done := tx.WaitForFinish(c.cfg.GetServer().ReadTimeout() + time.Second)
	if missed := len(tx.ClientIDs()) - done; missed > 0 {
		fmt.Fprintf(c.out, "%d of %d clients did not finish\n", missed, len(tx.ClientIDs()))
	}

	fmt.Fprintf(c.out, "%s -> %s\n", tx.RequestType(), tx.ResponseType())
	tw := c.newTable("Client", "State", "RTT", "Payload")
	for _, r := range tx.Results() {
		tw.Append([]string{
			strconv.FormatUint(uint64(r.ClientID), 10),
			r.State.String(),
			fmt.Sprintf("%dms", r.RTTMillis),
			fmt.Sprintf("% x", tx.Payload(r.ClientID)),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSessions(args []string) error {
	if c.sessions == nil {
		return fmt.Errorf("session store disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit: %s", args[0])
		}
		limit = n
	}

	sessions, err := c.sessions.Recent(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return nil
	}

	tw := c.newTable("Run", "Client", "IP", "Connected", "Disconnected", "Removed")
	for _, s := range sessions {
		tw.Append([]string{
			shortRunID(s.RunID),
			strconv.FormatUint(uint64(s.ClientID), 10),
			s.IP,
			s.ConnectedAt.Format(time.DateTime),
			formatTime(s.DisconnectedAt),
			formatTime(s.RemovedAt),
		})
	}
	tw.Render()
	return nil
}

func parseClientArg(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("client id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid client id: %s", args[0])
	}
	return uint32(id), nil
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
