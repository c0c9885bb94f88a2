package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/bootstrap"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/retrieval"
)

// Shell commands
const (
	cmdHelp         = "!help"
	cmdQuit         = "!quit"
	cmdOwner        = "!owner"
	cmdUser         = "!user"
	cmdBot          = "!bot"
	cmdRemember     = "!remember"
	cmdSignificance = "!significance"
	cmdRetrieve     = "!retrieve"
	cmdClassify     = "!classify"
	cmdSweep        = "!sweep"
	cmdConfig       = "!config"
)

var shellCommands = []string{
	cmdHelp, cmdQuit, cmdOwner, cmdUser, cmdBot, cmdRemember, cmdSignificance,
	cmdRetrieve, cmdClassify, cmdSweep, cmdConfig,
}

const helpText = `
memoryd shell - Command Reference:
-----------------------------------------
!help                 - Show this help message
!owner <user:bot>     - Set both parts of the owner key
!user <id>            - Set the current user ID
!bot <id>             - Set the current bot ID
!remember <text>      - Store a memory for the current owner
!significance <0..1>  - Set the significance given to new memories
!retrieve <query>     - Retrieve memories for a query
!classify <query>     - Show the category and plan of a query
!sweep                - Run a tier sweep for the current owner
!config               - Show the active configuration
!quit                 - Exit

Plain text is treated as !retrieve.`

const historyFile = ".memoryd_history"

var stdinMode bool

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell for storing and retrieving memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		sh := &shell{
			app:          app,
			key:          owner.New(userID, botID),
			significance: 0.5,
			out:          os.Stdout,
		}
		if stdinMode {
			return sh.runStdin(cmd.Context(), os.Stdin)
		}
		return sh.runInteractive(cmd.Context())
	},
}

func init() {
	shellCmd.Flags().BoolVarP(&stdinMode, "stdin", "s", false, "read commands from stdin and exit when complete")
}

type shell struct {
	app          *bootstrap.App
	key          owner.Key
	significance float64
	out          io.Writer
}

func (s *shell) prompt() string {
	return fmt.Sprintf("memoryd::%s> ", s.key)
}

func (s *shell) banner() {
	fmt.Fprintln(s.out, "\n=== memoryd shell ===")
	fmt.Fprintln(s.out, "Store:", s.app.Config.Store.Type)
	fmt.Fprintln(s.out, "Embedding:", s.app.Config.Embedding.Provider)
	fmt.Fprintf(s.out, "Owner: %s\n", s.key)
}

func (s *shell) runStdin(ctx context.Context, r io.Reader) error {
	s.banner()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		// Comments let scripted sessions carry notes.
		if input == "" || strings.HasPrefix(input, "#") || strings.HasPrefix(input, "//") {
			continue
		}
		fmt.Fprint(s.out, s.prompt(), input, "\n")
		if !s.process(ctx, input) {
			break
		}
	}
	fmt.Fprintln(s.out, "Goodbye!")
	return scanner.Err()
}

func (s *shell) runInteractive(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(false)
	line.SetCompleter(func(l string) (c []string) {
		for _, cmd := range shellCommands {
			if strings.HasPrefix(cmd, l) {
				c = append(c, cmd)
			}
		}
		return
	})

	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	s.banner()
	fmt.Fprintln(s.out, "Type !help for available commands.")

	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if !s.process(ctx, input) {
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		}
	}
}

// process runs one command and reports whether the shell should continue.
func (s *shell) process(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "!") {
		s.retrieve(ctx, input)
		return true
	}

	parts := strings.SplitN(input, " ", 2)
	cmd := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case cmdHelp:
		fmt.Fprintln(s.out, helpText)
	case cmdQuit:
		return false
	case cmdOwner:
		if arg == "" {
			fmt.Fprintf(s.out, "Current owner: %s\n", s.key)
			return true
		}
		k, err := owner.Parse(arg)
		if err != nil {
			fmt.Fprintf(s.out, "Invalid owner: %v\n", err)
			return true
		}
		s.setOwner(k)
	case cmdUser:
		s.setOwner(owner.New(arg, s.key.BotID))
	case cmdBot:
		s.setOwner(owner.New(s.key.UserID, arg))
	case cmdSignificance:
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || v < 0 || v > 1 {
			fmt.Fprintln(s.out, "Significance must be a number in [0,1]")
			return true
		}
		s.significance = v
		fmt.Fprintf(s.out, "Significance set to %.2f\n", v)
	case cmdRemember:
		if arg == "" {
			fmt.Fprintln(s.out, "Memory content required")
			return true
		}
		id, err := s.app.Orchestrator.Remember(ctx, s.key, arg, s.significance)
		if err != nil {
			fmt.Fprintf(s.out, "Error storing memory: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Stored %s\n", id)
	case cmdRetrieve:
		if arg == "" {
			fmt.Fprintln(s.out, "Query required")
			return true
		}
		s.retrieve(ctx, arg)
	case cmdClassify:
		c, plan := s.app.Orchestrator.Classify(ctx, arg)
		fmt.Fprintf(s.out, "Category: %s (confidence %.2f, fallback %v)\n", c.Category, c.Confidence, c.Fallback)
		fmt.Fprintf(s.out, "Mode: %s Spaces: %v\n", plan.Mode, plan.Spaces())
		for _, e := range c.Evidence {
			fmt.Fprintf(s.out, "  %s/%s -> %s x%d (%.2f)\n", e.Family, e.Rule, e.Category, e.Hits, e.Weight)
		}
	case cmdSweep:
		report, err := s.app.Orchestrator.RunTierSweep(ctx, s.key)
		if err != nil {
			fmt.Fprintf(s.out, "Error running sweep: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Scanned %d: promoted %d, demoted %d, expired %d, protected %d, failed %d\n",
			report.Scanned, report.Promoted, report.Demoted, report.Expired, report.Protected, report.Failed)
	case cmdConfig:
		cfg := s.app.Config
		fmt.Fprintln(s.out, "\nCurrent Configuration:")
		fmt.Fprintln(s.out, "======================")
		fmt.Fprintf(s.out, "Store: %s\n", cfg.Store.Type)
		fmt.Fprintf(s.out, "Embedding: %s (cache %d)\n", cfg.Embedding.Provider, cfg.Embedding.CacheSize)
		fmt.Fprintf(s.out, "Rerank: enabled=%v provider=%s\n", cfg.Rerank.Enabled, cfg.Rerank.Provider)
		fmt.Fprintf(s.out, "Fusion k: %v\n", cfg.Fusion.K)
		fmt.Fprintf(s.out, "Audit: %s\n", cfg.Audit.Driver)
		fmt.Fprintf(s.out, "Log Level: %s\n", cfg.Logging.Level)
	default:
		fmt.Fprintf(s.out, "Unknown command: %s\nType !help for available commands.\n", cmd)
	}
	return true
}

func (s *shell) setOwner(k owner.Key) {
	if err := k.Validate(); err != nil {
		fmt.Fprintf(s.out, "Invalid owner: %v\n", err)
		return
	}
	s.key = k
	fmt.Fprintf(s.out, "Owner set to %s\n", k)
}

func (s *shell) retrieve(ctx context.Context, query string) {
	res, err := s.app.Orchestrator.Retrieve(ctx, s.key, query)
	if err != nil {
		fmt.Fprintf(s.out, "Error retrieving: %v\n", err)
		return
	}
	printResult(s.out, res)
}

func printResult(w io.Writer, res *retrieval.Result) {
	fmt.Fprintf(w, "[%s] %s, %d result(s)", res.Classification.Category, res.Mode, len(res.Candidates))
	if res.Reranked {
		fmt.Fprint(w, ", reranked")
	}
	fmt.Fprintln(w)
	for _, f := range res.Unavailable {
		fmt.Fprintf(w, "  ! %s unavailable (%s): %s\n", f.Space, f.Stage, f.Error)
	}
	for i, c := range res.Candidates {
		fmt.Fprintf(w, "%2d. %-60.60s  tier=%s fused=%.4f", i+1, c.Record.Content, c.Record.Tier, c.FusedScore)
		if c.RerankScore != nil {
			fmt.Fprintf(w, " rerank=%.3f", *c.RerankScore)
		}
		fmt.Fprintln(w)
	}
}
