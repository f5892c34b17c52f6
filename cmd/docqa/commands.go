package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/ingest"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Scan the document folder and rebuild the index in this process",
	Long: `Scan the document folder and rebuild the index in this process.

Every PDF under storage.docs_dir is extracted (text layer first, OCR as a
fallback), chunked, embedded and written to the index directory. A running
server keeps its loaded index until it restarts; use "docqa rebuild" to
rebuild through the server instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			cfg.Storage.DocsDir = dir
		}
		setupLogging("warn")
		return runIndex(cmd.Context(), cfg)
	},
}

func init() {
	indexCmd.Flags().String("dir", "", "document folder (overrides storage.docs_dir)")
}

func runIndex(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.engine.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running at %s; start it with: ollama serve", cfg.Ollama.BaseURL)
	}

	files, err := ingest.Files(cfg.Storage.DocsDir, cfg.IncludePatterns())
	if err != nil {
		return err
	}
	printStep("Scanning %s (%d files)", cfg.Storage.DocsDir, len(files))

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionEnableColorCodes(!noColor),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("[cyan]Extracting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
	var barMu sync.Mutex
	onFile := func(r ingest.FileReport) {
		barMu.Lock()
		defer barMu.Unlock()
		bar.Add(1)
	}

	res, err := a.indexer.Rebuild(ctx, onFile)
	bar.Finish()
	if err != nil {
		return err
	}

	var ocr, failed int
	for _, r := range res.Reports {
		switch {
		case r.Err != nil:
			failed++
			printWarning("%s: %v", r.Path, r.Err)
		case r.Method == ingest.MethodOCR:
			ocr++
		}
	}
	printSuccess("Indexed %d chunks from %d files in %s", res.Manifest.Count, len(res.Reports), res.Duration.Round(time.Millisecond))
	if ocr > 0 {
		printStatus("OCR", "%d files", ocr)
	}
	if failed > 0 {
		printStatus("Failed", "%d files", failed)
	}
	return nil
}

// --- rebuild ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Ask the running server to rescan and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/index/rebuild", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result["status"] == "already_pending" {
			printWarning("A rebuild is already pending")
			return nil
		}
		printSuccess("Queued rebuild job %s", result["job_id"])
		return nil
	},
}

// --- search ---

type searchResponse struct {
	Results []struct {
		Text     string  `json:"text"`
		Source   string  `json:"source"`
		Page     int     `json:"page"`
		EndPage  int     `json:"end_page"`
		Method   string  `json:"method"`
		Distance float32 `json:"distance"`
	} `json:"results"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the passages closest to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&k=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var sr searchResponse
		if err := decodeJSON(resp, &sr); err != nil {
			return err
		}

		if len(sr.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range sr.Results {
			fmt.Printf("\n%s %s [distance: %.4f, %s]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)),
				location(r.Source, r.Page, r.EndPage), r.Distance, r.Method)
			fmt.Printf("  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 4, "maximum number of results")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask a question and stream the answer.

Pass --session to continue a conversation; the session id is printed after
each answer. Ctrl-C stops the answer and keeps what was received.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		showSources, _ := cmd.Flags().GetBool("sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), client, sessionID, question, showSources)
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id to continue")
	askCmd.Flags().Bool("sources", false, "list the passages the answer was based on")
}

func runAsk(ctx context.Context, client *apiClient, sessionID, question string, showSources bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()

	// On Ctrl-C ask the server to stop the reply; the stream then ends
	// with a cancelled final event.
	var mu sync.Mutex
	var activeID string
	go func() {
		<-sigCtx.Done()
		mu.Lock()
		id := activeID
		mu.Unlock()
		if id != "" && ctx.Err() == nil {
			if resp, err := client.post(ctx, "/chat/"+url.PathEscape(id)+"/cancel", nil); err == nil {
				resp.Body.Close()
			}
		}
	}()

	if sessionID == "" {
		sessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}
	mu.Lock()
	activeID = sessionID
	mu.Unlock()

	id, final, err := client.chat(ctx, sessionID, question, func(frag string) {
		fmt.Print(frag)
	})
	mu.Lock()
	activeID = ""
	mu.Unlock()
	fmt.Println()
	if err != nil {
		return err
	}
	if final.Cancelled {
		printWarning("answer stopped")
	}
	if showSources {
		for _, s := range final.Sources {
			fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorDim, fmt.Sprintf("%.4f", s.Distance)), location(s.Source, s.Page, 0))
		}
	}
	printStatus("Session", "%s", id)
	return nil
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var body struct {
			Documents []struct {
				Path   string `json:"path"`
				Method string `json:"method"`
				Pages  int    `json:"pages"`
				Chunks int    `json:"chunks"`
				Error  string `json:"error"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if len(body.Documents) == 0 {
			fmt.Println("No documents indexed.")
			return nil
		}
		for _, d := range body.Documents {
			if d.Error != "" {
				fmt.Printf("%s  %s\n", colorize(colorRed, d.Path), d.Error)
				continue
			}
			fmt.Printf("%s  %s, %d pages, %d chunks\n", colorize(colorBold, d.Path), d.Method, d.Pages, d.Chunks)
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or clear the chat history",
	RunE: func(cmd *cobra.Command, args []string) error {
		wipe, _ := cmd.Flags().GetBool("clear")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if wipe {
			resp, err := client.delete(cmd.Context(), "/history")
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Chat history cleared")
			return nil
		}

		resp, err := client.get(cmd.Context(), "/history")
		if err != nil {
			return err
		}
		var entries []struct {
			User      string    `json:"user"`
			Bot       string    `json:"bot"`
			Timestamp time.Time `json:"timestamp"`
			SessionID string    `json:"session_id"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s %s\n", colorize(colorDim, e.Timestamp.Local().Format("2006-01-02 15:04")), colorize(colorBold, e.User))
			fmt.Printf("  %s\n", truncate(e.Bot, 300))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("clear", false, "delete the whole history")
	historyCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docqa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			IndexLoaded bool   `json:"index_loaded"`
			Chunks      int    `json:"chunks"`
			Generation  string `json:"generation"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		switch {
		case resp.StatusCode != http.StatusOK:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		case decodeErr == nil && health.IndexLoaded:
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Index", "%d chunks (generation %s)", health.Chunks, health.Generation)
		default:
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Index", "not loaded")
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Documents", "%s", cfg.Storage.DocsDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Chat log", "%s (%s)", cfg.ChatLog.Backend, chatLogLocation(cfg))
	return nil
}

func chatLogLocation(cfg config.Config) string {
	if cfg.ChatLog.Backend == "sqlite" {
		return cfg.Storage.DataDir
	}
	return cfg.ChatLogPath()
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		fmt.Printf("\n  %s\n", colorize(colorDim, "file: "+config.ConfigFilePath()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
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
