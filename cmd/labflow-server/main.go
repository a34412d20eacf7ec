package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/labflow/labflow/internal/domain/exam"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/domain/labimport"
	"github.com/labflow/labflow/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "labflow-server",
		Short:        "Lab results import API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(examTypeCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queued lab imports from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.migrator().Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.migrator().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// analyzeCmd needs no database: it only inspects the file.
func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze FILE",
		Short: "Report the structure of a lab results CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			a := labimport.Analyze(raw)
			if err := writeJSON(cmd.OutOrStdout(), a); err != nil {
				return err
			}
			if !a.ValidForImport {
				return fmt.Errorf("file is not valid for import: %s", strings.Join(a.ValidationErrors, "; "))
			}
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a lab results CSV synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("uploader")
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			uploader, err := findUploader(ctx, a.users, email)
			if err != nil {
				return err
			}
			u, err := a.imports.CreateUpload(ctx, filepath.Base(args[0]), raw, uploader)
			if err != nil {
				return err
			}
			done, err := a.imports.RunUpload(ctx, u.ID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), done.View()); err != nil {
				return err
			}
			if done.Status == labimport.StatusFailed {
				return fmt.Errorf("import failed: %s", done.ErrorSummary)
			}
			return nil
		},
	}
	cmd.Flags().String("uploader", "", "Email of the lab technician or admin performing the import")
	cmd.MarkFlagRequired("uploader")
	return cmd
}

// findUploader resolves the uploader by email among lab technicians, then
// admins.
func findUploader(ctx context.Context, users identity.UserRepository, email string) (uuid.UUID, error) {
	email = identity.NormalizeEmail(email)
	for _, role := range []string{identity.RoleLabTechnician, identity.RoleAdmin} {
		u, err := users.FindByEmailWithRole(ctx, email, role)
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return uuid.Nil, err
		}
	}
	return uuid.Nil, fmt.Errorf("no active lab technician or admin with email %s", email)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail imports that stopped making progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.imports.MarkStale(cmd.Context(), a.cfg.StaleImportAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d stale upload(s) as failed.\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage platform users",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			roles, _ := cmd.Flags().GetStringSlice("role")
			u, err := newUser(email, name, roles)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.users.Create(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.ID, strings.Join(u.Roles, ","))
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Email address")
	createCmd.Flags().String("name", "", "Full name")
	createCmd.Flags().StringSlice("role", nil, "Role: patient, doctor, lab_technician or admin (repeatable)")
	cmd.AddCommand(createCmd)
	return cmd
}

func newUser(email, name string, roles []string) (*identity.User, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("--email is required")
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one --role is required")
	}
	for _, r := range roles {
		if !identity.ValidRole(r) {
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	if name == "" {
		name = email
	}
	return &identity.User{Email: email, FullName: name, Roles: roles, Active: true}, nil
}

func examTypeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exam-type",
		Short: "Manage the exam catalog",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an exam type",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			unit, _ := cmd.Flags().GetString("unit")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			et := &exam.ExamType{Name: name, DefaultUnit: unit}
			if err := a.exams.CreateExamType(cmd.Context(), et); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created exam type %s (%s)\n", et.Name, et.ID)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Exam type name as it appears in the test_type column")
	createCmd.Flags().String("unit", "", "Default unit")
	cmd.AddCommand(createCmd)
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
