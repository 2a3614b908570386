package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"stealthcompany.com/clinicalsync/internal/config"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/pkg/zerolog_config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinicalsync",
		Short:         "Clinical context aggregation and sync agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(writeCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: subscriptions, status reporting and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("clinicalsync-agent")
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <patient-id>",
		Short: "Aggregate and print one patient's clinical context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("clinicalsync-cli")
			if err != nil {
				return err
			}

			client := initFHIRClient(cmd.Context(), cfg)
			aggregated, err := fhir.NewAggregator(client).Aggregate(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to aggregate patient %s: %w", args[0], err)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(aggregated)
		},
	}
}

func writeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <target> <file>",
		Short: "Create or update the resource in file on source, secondary or store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := fhir.ParseTarget(args[0])
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read resource file: %w", err)
			}
			var resource fhir.Resource
			if err := json.Unmarshal(data, &resource); err != nil {
				return fmt.Errorf("failed to parse resource file: %w", err)
			}
			if !resource.Type.Valid() {
				return fmt.Errorf("unsupported resource type %q", resource.Type)
			}

			cfg, err := loadConfig("clinicalsync-cli")
			if err != nil {
				return err
			}

			var opts []fhir.Option
			if target == fhir.TargetStore {
				if err := cfg.ValidateStore(); err != nil {
					return err
				}
				cb, err := couchbase.NewClient(couchbaseConfig(cfg), cfg.FeedPollInterval)
				if err != nil {
					return err
				}
				defer cb.Close()
				opts = append(opts, fhir.WithStore(cb.Resources()))
			}

			client := initFHIRClient(cmd.Context(), cfg, opts...)
			id, err := client.Write(cmd.Context(), target, &resource)
			if err != nil {
				return fmt.Errorf("failed to write %s to %s: %w", resource.Type, target, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	return cmd
}

// loadConfig reads and validates the environment and starts logging
func loadConfig(app string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zerolog_config.SetAppPrefix(app)
	if err := zerolog_config.StartupWithEnv(cfg.ElasticsearchURL, cfg.LogIndex, cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func couchbaseConfig(cfg *config.Config) couchbase.Config {
	return couchbase.Config{
		URL:      cfg.CouchbaseURL,
		Username: cfg.CouchbaseUsername,
		Password: cfg.CouchbasePassword,
		Bucket:   cfg.CouchbaseBucket,
		Scope:    cfg.CouchbaseScope,
	}
}

// initFHIRClient builds the client and checks the secondary endpoint. A failed
// check ends the process.
func initFHIRClient(ctx context.Context, cfg *config.Config, opts ...fhir.Option) *fhir.Client {
	client, err := fhir.NewClient(fhir.ClientConfig{
		SourceURL:         cfg.FHIRSourceURL,
		SecondaryURL:      cfg.FHIRSecondaryURL,
		Timeout:           cfg.FHIRTimeout,
		PatientReadTarget: fhir.Target(cfg.FHIRPatientReadTarget),
	}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create FHIR client")
	}

	if err := client.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Str("secondary_url", cfg.FHIRSecondaryURL).Msg("FHIR client initialization failed")
	}
	return client
}
