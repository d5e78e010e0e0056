package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/server"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document for the key management API, the
storefront whoami route and the health endpoints.`,
		Example: `  keygate openapi
  keygate openapi --server-url https://api.example.com -o keygate.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := server.DescribeRoutes(versionString())
			opts.BaseURL = baseURL

			doc, err := openapi.Generate(opts)
			if err != nil {
				return fmt.Errorf("generate openapi: %w", err)
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal openapi: %w", err)
			}

			if outputFile != "" {
				if err := os.WriteFile(outputFile, append(data, '\n'), 0644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "server-url", "", "Server URL listed in the document")

	return cmd
}
