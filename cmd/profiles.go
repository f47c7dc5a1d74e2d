package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	tomlrepo "github.com/bnema/perfpilot/internal/adapters/repo/toml"
	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/spf13/cobra"
)

func newProfilesCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage strategy profiles",
	}

	cmd.AddCommand(
		newProfilesListCmd(app),
		newProfilesInitCmd(app),
	)

	return cmd
}

func newProfilesListCmd(app *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List strategy profiles from the profiles file, or the built-in set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openProfiles(profilesPath(app, file))
			if err != nil {
				return err
			}

			source := "built-in"
			profiles := application.BuiltinProfiles()
			if repo != nil {
				stored, err := repo.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(stored) > 0 {
					source, profiles = repo.Path(), stored
				}
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "source: %s\n", source)
			for _, p := range profiles {
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", p.Name, p.Kind, joinKinds(p.Resources))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Profiles TOML file (default strategy.profiles_file)")
	return cmd
}

func newProfilesInitCmd(app *app) *cobra.Command {
	var (
		file  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in strategy profiles to a TOML file for editing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := profilesPath(app, file)
			if path == "" {
				return errors.New("profiles init requires --file or strategy.profiles_file")
			}
			repo, err := tomlrepo.NewProfileRepository(path)
			if err != nil {
				return err
			}

			if _, err := os.Stat(repo.Path()); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", repo.Path())
			}

			profiles := application.BuiltinProfiles()
			if err := repo.Save(cmd.Context(), profiles); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d profiles to %s\n", len(profiles), repo.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Profiles TOML file (default strategy.profiles_file)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func profilesPath(app *app, file string) string {
	if file != "" {
		return file
	}
	return app.cfg.Strategy.ProfilesFile
}

func joinKinds(kinds []domain.ResourceKind) string {
	if len(kinds) == 0 {
		return "-"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
