package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/packgen"
	"github.com/nidhogg/msgproviders/internal/runtime"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var verbose bool
	var genErr error

	rootCmd := &cobra.Command{
		Use:   "packgen",
		Short: "Generate messaging provider packs",
		Long: `packgen turns a provider pack spec (TOML) into a pack directory:
manifest.json, JSON schemas, flow graphs, QA forms and i18n bundles.

Exit status is 1 when a spec is invalid and 2 on I/O failures.

Environment:
  GREENTIC_PROVIDER_WASM   guest artifact recorded as artifact_digest
  GREENTIC_PACK_BIN        pack CLI run as "<bin> build --in <out>" afterwards`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log each generated pack")

	newGenerator := func() *packgen.Generator {
		logger := zap.NewNop()
		if verbose {
			logger, _ = zap.NewDevelopment()
		}
		return packgen.NewGenerator(runtime.Builtin(logger), logger)
	}

	rootCmd.AddCommand(newGenerateCmd(newGenerator, &genErr))
	rootCmd.AddCommand(newGenerateAllCmd(newGenerator, &genErr))
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if genErr != nil {
			return packgen.ExitCode(genErr)
		}
		return 1
	}
	return 0
}

func newGenerateCmd(gen func() *packgen.Generator, genErr *error) *cobra.Command {
	var specPath, out string
	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Generate one pack",
		Example: `  packgen generate --spec specs/slack.toml --out dist/slack`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := gen().GenerateFile(cmd.Context(), specPath, out)
			if err != nil {
				*genErr = err
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (describe %s)\n", m.Provider, m.Version, out, m.DescribeHash[:12])
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "pack spec (TOML)")
	cmd.Flags().StringVar(&out, "out", "", "output directory")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newGenerateAllCmd(gen func() *packgen.Generator, genErr *error) *cobra.Command {
	var specDir, out string
	cmd := &cobra.Command{
		Use:     "generate-all",
		Short:   "Generate a pack for every spec in a directory",
		Example: `  packgen generate-all --spec-dir specs --out dist`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ms, err := gen().GenerateAll(cmd.Context(), specDir, out)
			for _, m := range ms {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Provider, m.Version)
			}
			if err != nil {
				*genErr = err
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specDir, "spec-dir", "", "directory of pack specs")
	cmd.Flags().StringVar(&out, "out", "", "output root; each pack goes to <out>/<provider>")
	_ = cmd.MarkFlagRequired("spec-dir")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
