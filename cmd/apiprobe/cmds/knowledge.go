package cmds

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/knowledge/ingest"
)

func NewKnowledgeCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "inspect and maintain the shared knowledge store",
	}
	cmd.AddCommand(
		newKnowledgeImportCommand(settings),
		newKnowledgeSearchCommand(settings),
		newKnowledgeListCommand(settings),
		newKnowledgeDeleteCommand(settings),
	)
	return cmd
}

func newKnowledgeImportCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "import API documentation into the knowledge store",
	}
	cmd.AddCommand(
		newImportDocsCommand(settings),
		newImportFileCommand(settings),
		newImportLinkCommand(settings),
	)
	return cmd
}

func newImportDocsCommand(settings SettingsFn) *cobra.Command {
	return &cobra.Command{
		Use:   "docs <file.yaml>",
		Short: "import parsed endpoint documents from a YAML file",
		Long: `The file holds a list of parsed endpoint documents:

    - api_path: /v1/users
      method: GET
      summary: List users.
      detail: Supports cursor pagination via the "after" parameter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if err := requireEmbeddingsKey(s); err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var docs []ingest.Document
			if err := yaml.Unmarshal(data, &docs); err != nil {
				return errors.Wrapf(err, "parsing %s", args[0])
			}
			if len(docs) == 0 {
				return errors.Errorf("%s holds no documents", args[0])
			}

			store, closeStore, err := openKnowledgeStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			importer := ingest.NewImporter(store, ingest.WithBatchEmbedder(newEmbedder(s), 4))
			ids, err := importer.ImportDocuments(cmd.Context(), ingest.StaticSource(docs))
			if err != nil {
				return err
			}
			fmt.Printf("imported %d entries\n", len(ids))
			return nil
		},
	}
}

func newImportFileCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file <path.md>",
		Short: "import a markdown documentation file, one entry per heading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if err := requireEmbeddingsKey(s); err != nil {
				return err
			}
			apiPath, _ := cmd.Flags().GetString("api-path")

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			store, closeStore, err := openKnowledgeStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			importer := ingest.NewImporter(store, ingest.WithBatchEmbedder(newEmbedder(s), 4))
			ids, err := importer.ImportMarkdown(cmd.Context(), apiPath, string(data))
			if err != nil {
				return err
			}
			fmt.Printf("imported %d entries for %s\n", len(ids), apiPath)
			return nil
		},
	}
	cmd.Flags().String("api-path", "", "API path the documentation describes")
	_ = cmd.MarkFlagRequired("api-path")
	return cmd
}

func newImportLinkCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <url>",
		Short: "import an HTML documentation page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if err := requireEmbeddingsKey(s); err != nil {
				return err
			}
			apiPath, _ := cmd.Flags().GetString("api-path")

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
			if err != nil {
				return errors.Wrapf(err, "invalid url %q", args[0])
			}
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return errors.Wrapf(err, "fetching %s", args[0])
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 400 {
				return errors.Errorf("fetching %s: %s", args[0], resp.Status)
			}

			store, closeStore, err := openKnowledgeStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			importer := ingest.NewImporter(store, ingest.WithBatchEmbedder(newEmbedder(s), 4))
			id, err := importer.ImportHTML(cmd.Context(), apiPath, resp.Body)
			if err != nil {
				return err
			}
			fmt.Printf("imported entry %s for %s\n", id, apiPath)
			return nil
		},
	}
	cmd.Flags().String("api-path", "", "API path the documentation describes")
	_ = cmd.MarkFlagRequired("api-path")
	return cmd
}

// knowledgeFilter builds the store filter from the shared --path, --kind
// and --tag flags; all empty means no filter.
func knowledgeFilter(cmd *cobra.Command) (*knowledge.Filter, error) {
	pathGlob, _ := cmd.Flags().GetString("path")
	kindFlag, _ := cmd.Flags().GetString("kind")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	if pathGlob == "" && kindFlag == "" && len(tags) == 0 {
		return nil, nil
	}
	if kindFlag != "" && !knowledge.Kind(kindFlag).Valid() {
		return nil, errors.Errorf("unknown kind %q (endpoint_doc, verification_record, error_record)", kindFlag)
	}
	return &knowledge.Filter{
		SourceAPIPath: pathGlob,
		Kind:          knowledge.Kind(kindFlag),
		Tags:          tags,
	}, nil
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("path", "", "only entries whose source API path matches this glob")
	cmd.Flags().String("kind", "", "only entries of this kind")
	cmd.Flags().StringSlice("tag", nil, "only entries carrying every given tag")
}

func newKnowledgeSearchCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "similarity-search the knowledge store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if err := requireEmbeddingsKey(s); err != nil {
				return err
			}
			k, _ := cmd.Flags().GetInt("k")
			filter, err := knowledgeFilter(cmd)
			if err != nil {
				return err
			}

			store, closeStore, err := openKnowledgeStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			hits, err := store.Search(cmd.Context(), args[0], k, filter)
			if errors.Is(err, knowledge.ErrEmptyIndex) {
				fmt.Println("knowledge store is empty")
				return nil
			}
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tKIND\tAPI PATH\tID\tCONTENT")
			for _, hit := range hits {
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%s\n",
					hit.Score,
					hit.Entry.Kind,
					hit.Entry.SourceAPIPath,
					hit.Entry.ID,
					snippet(hit.Entry.Content),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("k", 5, "number of results")
	addFilterFlags(cmd)
	return cmd
}

func newKnowledgeListCommand(settings SettingsFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list knowledge entries, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := knowledgeFilter(cmd)
			if err != nil {
				return err
			}

			store, closeStore, err := openKnowledgeStore(settings())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no entries")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tAPI PATH\tCREATED\tTAGS\tCONTENT")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					entry.ID,
					entry.Kind,
					entry.SourceAPIPath,
					entry.CreatedAt.Format("2006-01-02 15:04"),
					strings.Join(entry.Tags, ","),
					snippet(entry.Content),
				)
			}
			return w.Flush()
		},
	}
	addFilterFlags(cmd)
	return cmd
}

func newKnowledgeDeleteCommand(settings SettingsFn) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "delete knowledge entries by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openKnowledgeStore(settings())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			deleted := 0
			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return errors.Wrapf(err, "deleting %s", id)
				}
				deleted++
			}
			fmt.Printf("deleted %d entries\n", deleted)
			return nil
		},
	}
}

func snippet(content string) string {
	return truncate(strings.Join(strings.Fields(content), " "), 80)
}
