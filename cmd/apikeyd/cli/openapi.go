package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apikeyd/apikeyd/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		baseURL    string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI document of the HTTP API",
		Example: `  apikeyd openapi
  apikeyd openapi --base-url https://keys.example.com -o openapi.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}

			doc, err := openapi.Generate(baseURL, cfg.Auth.APIKeyHeader)
			if err != nil {
				return fmt.Errorf("generate openapi: %w", err)
			}
			data, err := doc.MarshalJSON()
			if err != nil {
				return fmt.Errorf("encode openapi: %w", err)
			}
			data = append(data, '\n')

			if outputFile != "" {
				if err := os.WriteFile(outputFile, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outputFile)
				return nil
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL in the document (default http://localhost:<port>)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write to file instead of stdout")

	return cmd
}
