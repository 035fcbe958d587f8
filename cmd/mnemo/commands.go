package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halversen/mnemo/internal/config"
)

// --- append ---

var appendCmd = &cobra.Command{
	Use:   "append <content>",
	Short: "Record an event on a memory chain",
	Long: `Record an event as a new block on a memory chain.

Examples:
  mnemo append "Decided to use SQLite for local storage" --tags decision
  mnemo append --chain work --role assistant "Deployed v2 to staging"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")
		chain, _ := cmd.Flags().GetString("chain")
		role, _ := cmd.Flags().GetString("role")
		tagsStr, _ := cmd.Flags().GetString("tags")
		checkpoint, _ := cmd.Flags().GetBool("checkpoint")

		req := map[string]any{
			"role":    role,
			"content": content,
		}
		if tags := splitTags(tagsStr); tags != nil {
			req["tags"] = tags
		}
		if checkpoint {
			req["checkpoint"] = true
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chains/"+url.PathEscape(chain)+"/blocks", req)
		if err != nil {
			return err
		}

		var result struct {
			BlockID    string `json:"block_id"`
			Height     int64  `json:"height"`
			HeaderHash string `json:"header_hash"`
			Redacted   bool   `json:"redacted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded block %s at height %d (%s)", result.BlockID, result.Height, shortHash(result.HeaderHash))
		if result.Redacted {
			printWarning("secret-like content was redacted before storage")
		}
		return nil
	},
}

func init() {
	appendCmd.Flags().String("chain", "chat", "chain to append to")
	appendCmd.Flags().String("role", "user", "event role (user, assistant, system, tool)")
	appendCmd.Flags().String("tags", "", "comma-separated tags")
	appendCmd.Flags().Bool("checkpoint", false, "force a summary checkpoint after this block")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Retrieve relevant memory for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		chain, _ := cmd.Flags().GetString("chain")
		limit, _ := cmd.Flags().GetInt("limit")
		project, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("max_blocks", fmt.Sprintf("%d", limit))
		if project != "" {
			params.Set("project", project)
		}
		path := fmt.Sprintf("/chains/%s/context?%s", url.PathEscape(chain), params.Encode())
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var citations []struct {
			BlockID       string  `json:"blockId"`
			ItemID        string  `json:"itemId"`
			SourceBlockID string  `json:"sourceBlockId"`
			Kind          string  `json:"kind"`
			Text          string  `json:"text"`
			Score         float64 `json:"score"`
		}
		if err := decodeJSON(resp, &citations); err != nil {
			return err
		}

		if len(citations) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, c := range citations {
			fmt.Printf("\n%s [%s, score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), c.Kind, c.Score)
			if c.BlockID != "" {
				fmt.Printf("  Block: %s\n", colorize(colorCyan, c.BlockID))
			}
			if c.SourceBlockID != "" {
				fmt.Printf("  Source block: %s\n", colorize(colorCyan, c.SourceBlockID))
			}
			text := c.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().String("chain", "chat", "chain to search")
	recallCmd.Flags().Int("limit", 5, "maximum number of block citations")
	recallCmd.Flags().String("project", "", "bias retrieval toward a project")
}

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a durable memory item",
	Long: `Store a durable memory item anchored to the ledger.

Examples:
  mnemo remember "User prefers tabs over spaces" --kind preference
  mnemo remember "API rate limit is 100 req/min" --kind fact --key api-limits --project backend`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		chain, _ := cmd.Flags().GetString("chain")
		kind, _ := cmd.Flags().GetString("kind")
		key, _ := cmd.Flags().GetString("key")
		project, _ := cmd.Flags().GetString("project")

		req := map[string]any{
			"chain_id": chain,
			"kind":     kind,
			"text":     text,
		}
		if key != "" {
			req["key"] = key
		}
		if project != "" {
			req["project"] = project
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/memory-items", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored %s item %s (block %s)", kind, result["id"], result["block_id"])
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("chain", "chat", "chain to anchor the item to")
	rememberCmd.Flags().String("kind", "fact", "item kind (fact, preference, decision)")
	rememberCmd.Flags().String("key", "", "stable key for the item")
	rememberCmd.Flags().String("project", "", "project the item belongs to")
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _ := cmd.Flags().GetString("chain")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		type report struct {
			ChainID string `json:"chainId"`
			OK      bool   `json:"ok"`
			Blocks  int64  `json:"blocks"`
			Issues  []struct {
				Height int64  `json:"height"`
				Field  string `json:"field"`
				Detail string `json:"detail"`
			} `json:"issues"`
		}

		var reports []report
		if chain != "" {
			resp, err := client.get(cmd.Context(), "/chains/"+url.PathEscape(chain)+"/verify")
			if err != nil {
				return err
			}
			var rep report
			if err := decodeJSON(resp, &rep); err != nil {
				return err
			}
			reports = append(reports, rep)
		} else {
			resp, err := client.get(cmd.Context(), "/verify")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &reports); err != nil {
				return err
			}
		}

		failed := 0
		for _, rep := range reports {
			if rep.OK {
				printSuccess("%s: %d blocks verified", rep.ChainID, rep.Blocks)
				continue
			}
			failed++
			printError("%s: integrity check FAILED (%d blocks)", rep.ChainID, rep.Blocks)
			for _, issue := range rep.Issues {
				fmt.Fprintf(os.Stderr, "    height %d: %s: %s\n", issue.Height, issue.Field, issue.Detail)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d chain(s) failed verification", failed)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().String("chain", "", "verify a single chain (default: all)")
}

// --- checkpoint ---

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write a summary checkpoint for a chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _ := cmd.Flags().GetString("chain")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chains/"+url.PathEscape(chain)+"/checkpoint", nil)
		if err != nil {
			return err
		}

		var result struct {
			ChainID    string `json:"chain_id"`
			UpToHeight int64  `json:"up_to_height"`
			Summary    string `json:"summary"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Summary == "" {
			fmt.Println("Nothing to summarize yet.")
			return nil
		}
		printSuccess("Checkpointed %s up to height %d", result.ChainID, result.UpToHeight)
		fmt.Println(result.Summary)
		return nil
	},
}

func init() {
	checkpointCmd.Flags().String("chain", "chat", "chain to checkpoint")
}

// --- chains ---

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List memory chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/chains")
		if err != nil {
			return err
		}

		var chains []struct {
			ChainID    string `json:"chain_id"`
			HeadHeight int64  `json:"head_height"`
			HeadHash   string `json:"head_hash"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &chains); err != nil {
			return err
		}

		if len(chains) == 0 {
			fmt.Println("No chains yet.")
			return nil
		}

		for _, c := range chains {
			fmt.Printf("%s  height %d  %s  %s\n",
				colorize(colorBold, c.ChainID),
				c.HeadHeight,
				colorize(colorCyan, shortHash(c.HeadHash)),
				c.CreatedAt,
			)
		}
		return nil
	},
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a document into memory",
	Long: `Import a document, chunk it, and index it for semantic recall.

Examples:
  mnemo import --file ./notes.md --title "Meeting notes"
  mnemo import --url https://example.com/runbook --tags ops
  mnemo import --text "The deploy key lives in vault" --chain work`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		fileArg, _ := cmd.Flags().GetString("file")
		urlArg, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		chain, _ := cmd.Flags().GetString("chain")
		project, _ := cmd.Flags().GetString("project")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if text == "" && urlArg == "" && fileArg == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{
			"chain_id": chain,
		}
		if tags := splitTags(tagsStr); tags != nil {
			req["tags"] = tags
		}
		if title != "" {
			req["title"] = title
		}
		if project != "" {
			req["project"] = project
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case urlArg != "":
			req["url"] = urlArg
		case fileArg != "":
			data, err := os.ReadFile(fileArg)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "text"
			req["content"] = string(data)
			if title == "" {
				req["title"] = fileArg
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			BlockID string `json:"block_id"`
			JobID   string `json:"job_id"`
			Chunks  int    `json:"chunks"`
			Status  string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d chunk(s) for embedding (block %s)", result.Chunks, result.BlockID)
		return nil
	},
}

func init() {
	importCmd.Flags().String("text", "", "text content to import")
	importCmd.Flags().String("url", "", "URL to fetch and import")
	importCmd.Flags().String("file", "", "file path to import")
	importCmd.Flags().String("title", "", "title for the document")
	importCmd.Flags().String("chain", "chat", "chain to record the import on")
	importCmd.Flags().String("project", "", "project the document belongs to")
	importCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}
