package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/logstore"
)

var (
	sessionsLimit int
	sessionsJSON  bool
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Dump the recorded events of one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)

	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to list (0 for all)")
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output raw event JSON, one per line")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := logstore.NewStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	infos, err := store.List(sessionsLimit)
	if err != nil {
		return err
	}
	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No recorded sessions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCREATED\tEVENTS\tTITLE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.SessionID, info.CreatedAt, info.Events, info.Title)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := logstore.NewStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	path, err := store.DiscoverByID(args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	items, err := logstore.ReadTail(path, 0)
	if err != nil {
		return err
	}

	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, it := range items {
			if err := enc.Encode(it.Event); err != nil {
				return err
			}
		}
		return nil
	}

	meta, err := logstore.ReadMeta(path)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s\n", meta.SessionID)
	fmt.Printf("   Agent: %s\n", meta.AgentBin)
	if meta.WorkingDir != "" {
		fmt.Printf("   Directory: %s\n", meta.WorkingDir)
	}
	fmt.Printf("   Created: %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("   Events: %d\n\n", len(items))
	for _, it := range items {
		fmt.Printf("%6d  %s\n", it.Seq, describeEvent(it))
	}
	return nil
}

// describeEvent renders one logged event as a single human-readable line.
func describeEvent(it logstore.TurnItem) string {
	ev := it.Event
	payload, _ := ev.Payload.(map[string]any)
	switch ev.Type {
	case "thread.started":
		id, _ := payload["thread_id"].(string)
		return "thread started " + id
	case "turn.started":
		return "turn started"
	case "turn.completed":
		return "turn completed"
	case "item.completed":
		itemType, _ := payload["item_type"].(string)
		if text, _ := payload["text"].(string); text != "" {
			return itemType + ": " + logstore.InferTitle(text)
		}
		if tc, ok := payload["tool_call"].(map[string]any); ok {
			name, _ := tc["tool_name"].(string)
			state, _ := tc["state"].(string)
			return itemType + ": " + name + " (" + state + ")"
		}
		return itemType
	default:
		return string(ev.Type)
	}
}
