package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harvestnotes/gleaner/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over your notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		userID, _ := cmd.Flags().GetInt64("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"user_id":  userID,
			"question": question,
		}
		resp, err := client.post(cmd.Context(), "/v1/ask", body)
		if err != nil {
			return err
		}

		var answer struct {
			Text    string `json:"text"`
			Refusal string `json:"refusal"`
			Sources []struct {
				NoteTitle  string `json:"note_title"`
				ChunkCount int    `json:"chunk_count"`
			} `json:"sources"`
		}
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}

		if answer.Refusal != "" {
			fmt.Println(answer.Refusal)
			return nil
		}

		fmt.Println(answer.Text)
		if len(answer.Sources) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for _, s := range answer.Sources {
				fmt.Printf("  - %s\n", s.NoteTitle)
			}
		}
		return nil
	},
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a note to your collection",
	Long: `Add a note to your collection.

Examples:
  gleaner add --text "Tomatoes need six hours of sun" --title "Gardening"
  gleaner add --url https://example.com/article
  gleaner add --file ./journal.md --title "Journal"
  gleaner add --pdf ./paper.pdf --title "Paper"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		pageURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		pdfPath, _ := cmd.Flags().GetString("pdf")
		title, _ := cmd.Flags().GetString("title")
		userID, _ := cmd.Flags().GetInt64("user")

		if text == "" && pageURL == "" && file == "" && pdfPath == "" {
			return fmt.Errorf("one of --text, --url, --file, or --pdf is required")
		}

		req := map[string]any{"user_id": userID}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case pageURL != "":
			req["type"] = "url"
			req["url"] = pageURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "text"
			req["content"] = string(data)
			if title == "" {
				req["title"] = file
			}
		case pdfPath != "":
			data, err := os.ReadFile(pdfPath)
			if err != nil {
				return fmt.Errorf("reading PDF: %w", err)
			}
			req["type"] = "pdf"
			req["content"] = base64.StdEncoding.EncodeToString(data)
			if title == "" {
				req["title"] = pdfPath
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/notes", req)
		if err != nil {
			return err
		}

		var result struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued note %d for embedding", result.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().String("text", "", "text content of the note")
	addCmd.Flags().String("url", "", "URL to fetch and store as a note")
	addCmd.Flags().String("file", "", "text file to store as a note")
	addCmd.Flags().String("pdf", "", "PDF file to extract and store as a note")
	addCmd.Flags().String("title", "", "note title")
	addCmd.Flags().Int64("user", 1, "owner user ID")
	askCmd.Flags().Int64("user", 1, "owner user ID")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over your notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		userID, _ := cmd.Flags().GetInt64("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/search?user_id=%d&q=%s&limit=%d", userID, url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			NoteID    int64   `json:"note_id"`
			NoteTitle string  `json:"note_title"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No matching notes found.")
			return nil
		}

		for i, r := range results {
			header := fmt.Sprintf("%d. %s", i+1, r.NoteTitle)
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, header), r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().Int64("user", 1, "owner user ID")
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Manage stored notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		userID, _ := cmd.Flags().GetInt64("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/notes?user_id=%d&limit=%d", userID, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var notes []struct {
			ID        int64
			Title     string
			Source    string
			UpdatedAt string
		}
		if err := decodeJSON(resp, &notes); err != nil {
			return err
		}

		if len(notes) == 0 {
			fmt.Println("No notes found.")
			return nil
		}

		for _, n := range notes {
			fmt.Printf("%s  %-8s  %s\n",
				colorize(colorCyan, fmt.Sprintf("%6d", n.ID)),
				n.Source,
				n.Title,
			)
		}
		return nil
	},
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single note as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/notes/"+args[0])
		if err != nil {
			return err
		}

		var note any
		if err := decodeJSON(resp, &note); err != nil {
			return err
		}
		return printIndented(note)
	},
}

var notesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a note and its embeddings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/notes/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted note %s", args[0])
		return nil
	},
}

func init() {
	notesListCmd.Flags().Int("limit", 50, "maximum number of notes to list")
	notesListCmd.Flags().Int64("user", 1, "owner user ID")
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
	notesCmd.AddCommand(notesRmCmd)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "List recent questions and answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		userID, _ := cmd.Flags().GetInt64("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/interactions?user_id=%d&limit=%d", userID, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var interactions []struct {
			ID        string
			Query     string
			Refusal   string
			CreatedAt string
		}
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			query := ix.Query
			if len(query) > 80 {
				query = query[:80] + "..."
			}
			marker := " "
			if ix.Refusal != "" {
				marker = colorize(colorYellow, "!")
			}
			fmt.Printf("%s %s  %s  %s\n",
				marker,
				colorize(colorCyan, ix.ID[:8]),
				ix.CreatedAt,
				query,
			)
		}
		return nil
	},
}

func init() {
	interactionsCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsCmd.Flags().Int64("user", 1, "owner user ID")
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
