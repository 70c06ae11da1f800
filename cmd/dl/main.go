package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dutyline/internal/app"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
	"dutyline/internal/repo"
	"dutyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dutyline CLI",
	Long: `Dutyline tracks driver hours of service against FMCSA-style limits.
- Workspace: your .dutyline directory holding the duty log database; rule
  configs live in the DB per fleet and are imported explicitly.
- Fleet: the carrier that owns drivers and the HOS rule set (11h driving,
  14h window, 70h/8d cycle by default; 60/7 via config).
- Duty log: append-only intervals per driver; corrections are new rows that
  reference the original, never edits.
- Violations: raised and auto-resolved by the detector on every transition;
  'dl hos check' re-runs it without one.
- Event log: diary of changes, view with 'dl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DUTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("fleet", "", "fleet id (overrides the single-fleet default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("fleet", rootCmd.PersistentFlags().Lookup("fleet"))
}

func registerCommands() {
	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(dutyCmd())
	rootCmd.AddCommand(hosCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(violationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func fleetCmd() *cobra.Command {
	fleet := &cobra.Command{Use: "fleet", Short: "Manage fleets"}
	fleet.AddCommand(fleetListCmd())
	fleet.AddCommand(fleetCreateCmd())
	fleet.AddCommand(fleetShowCmd())
	fleet.AddCommand(fleetConfigCmd())
	return fleet
}

func fleetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List fleets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFleets(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func fleetCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create fleet with default HOS rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			f, err := e.InitFleet(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(f)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "fleet id")
	cmd.Flags().StringVar(&name, "name", "", "fleet name")
	return cmd
}

func fleetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetFleet(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func fleetConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage fleet HOS rule config"}
	cfg.AddCommand(fleetConfigShowCmd())
	cfg.AddCommand(fleetConfigImportCmd())
	cfg.AddCommand(fleetConfigInitCmd())
	return cfg
}

func fleetConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func fleetConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the DB (from --file or the workspace dutyline.yml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fleetID, _, err := app.ResolveFleetAndConfig(ctx, viper.GetString("fleet"), r)
				if err != nil {
					return err
				}
				if err := r.UpsertFleetConfig(ctx, fleetID, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for fleet %s\n", fleetID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to config YAML")
	return cmd
}

func fleetConfigInitCmd() *cobra.Command {
	var fleetID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dutyline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fleetID == "" {
				fleetID = "fleet-1"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(fleetID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&fleetID, "id", "", "fleet id for the template")
	return cmd
}

func dutyCmd() *cobra.Command {
	duty := &cobra.Command{Use: "duty", Short: "Record and inspect duty status"}
	duty.AddCommand(dutySetCmd())
	duty.AddCommand(dutyShowCmd())
	duty.AddCommand(dutyCorrectCmd())
	return duty
}

func dutySetCmd() *cobra.Command {
	var driverID, location, notes, at string
	var automatic bool
	cmd := &cobra.Command{
		Use:   "set <status>",
		Short: "Change a driver's duty status",
		Long:  "Statuses: off_duty, sleeper_berth, driving, on_duty_not_driving.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			if !domain.ValidStatus(args[0]) {
				return fmt.Errorf("unknown status %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ChangeDutyStatus(ctx, engine.TransitionOptions{
					FleetID:     e.Config.Fleet.ID,
					DriverID:    driverID,
					NewStatus:   args[0],
					Location:    location,
					Notes:       notes,
					Timestamp:   at,
					IsAutomatic: automatic,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&at, "at", "", "transition timestamp (RFC3339, default now)")
	cmd.Flags().BoolVar(&automatic, "automatic", false, "mark as ELD-generated")
	return cmd
}

func dutyShowCmd() *cobra.Command {
	var driverID, asOf string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current status and budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := parseAsOf(asOf, e)
				if err != nil {
					return err
				}
				state, err := e.HOSState(ctx, driverID, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation instant (RFC3339, default now)")
	return cmd
}

func dutyCorrectCmd() *cobra.Command {
	var status, start, end, location, notes string
	cmd := &cobra.Command{
		Use:   "correct <interval-id>",
		Short: "Append a correction for a closed interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iv, err := e.CorrectInterval(ctx, engine.CorrectionOptions{
					IntervalID: args[0],
					Status:     status,
					StartTime:  start,
					EndTime:    end,
					Location:   location,
					Notes:      notes,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(iv)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "corrected status")
	cmd.Flags().StringVar(&start, "start", "", "corrected start time (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "corrected end time (RFC3339)")
	cmd.Flags().StringVar(&location, "location", "", "corrected location")
	cmd.Flags().StringVar(&notes, "notes", "", "correction notes")
	return cmd
}

func hosCmd() *cobra.Command {
	hos := &cobra.Command{Use: "hos", Short: "Hours-of-service budgets and checks"}
	hos.AddCommand(hosShowCmd())
	hos.AddCommand(hosCheckCmd())
	return hos
}

func hosShowCmd() *cobra.Command {
	var driverID, asOf string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show remaining budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := parseAsOf(asOf, e)
				if err != nil {
					return err
				}
				state, err := e.HOSState(ctx, driverID, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Budget", "Remaining (h)"})
				tw.AppendRow(table.Row{"Driving (11h)", fmt.Sprintf("%.2f", state.RemainingDriveHours)})
				tw.AppendRow(table.Row{"Duty window (14h)", fmt.Sprintf("%.2f", state.RemainingOnDutyWindowHours)})
				tw.AppendRow(table.Row{"Cycle", fmt.Sprintf("%.2f", state.RemainingCycleHours)})
				tw.Render()
				fmt.Printf("Status: %s as of %s\n", state.CurrentStatus, state.LastComputedAt)
				if state.WindowStartedAt != nil {
					fmt.Printf("Duty window started: %s\n", *state.WindowStartedAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation instant (RFC3339, default now)")
	return cmd
}

func hosCheckCmd() *cobra.Command {
	var driverID, asOf string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Re-run the violation detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := parseAsOf(asOf, e)
				if err != nil {
					return err
				}
				res, err := e.CheckViolations(ctx, e.Config.Fleet.ID, driverID, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation instant (RFC3339, default now)")
	return cmd
}

func complianceCmd() *cobra.Command {
	var driverID, asOf string
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Compliance verdict for a driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := parseAsOf(asOf, e)
				if err != nil {
					return err
				}
				c, state, err := e.ComplianceStatus(ctx, driverID, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"compliant":        c.Compliant,
					"issues":           c.Issues,
					"driver_hos_state": state,
				})
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation instant (RFC3339, default now)")
	return cmd
}

func logsCmd() *cobra.Command {
	logs := &cobra.Command{Use: "logs", Short: "Duty log export"}
	logs.AddCommand(logsExportCmd())
	return logs
}

func logsExportCmd() *cobra.Command {
	var driverID, from, to, format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export intervals and summary for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				export, err := e.ExportLogs(ctx, driverID, from, to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				w := os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				switch format {
				case "csv":
					return writeExportCSV(w, export)
				case "table":
					tw := table.NewWriter()
					tw.SetOutputMirror(w)
					tw.AppendHeader(table.Row{"Start", "End", "Status", "Hours", "Location"})
					for _, iv := range export.Intervals {
						end := ""
						if iv.EndTime != nil {
							end = *iv.EndTime
						}
						hours := ""
						if iv.DurationHours != nil {
							hours = fmt.Sprintf("%.2f", *iv.DurationHours)
						}
						tw.AppendRow(table.Row{iv.StartTime, end, iv.Status, hours, iv.Location})
					}
					tw.AppendFooter(table.Row{"", "", "driving", fmt.Sprintf("%.2f", export.Summary.TotalDrivingHours), ""})
					tw.AppendFooter(table.Row{"", "", "on duty", fmt.Sprintf("%.2f", export.Summary.TotalOnDutyHours), ""})
					tw.AppendFooter(table.Row{"", "", "off duty", fmt.Sprintf("%.2f", export.Summary.TotalOffDutyHours), ""})
					tw.AppendFooter(table.Row{"", "", "sleeper", fmt.Sprintf("%.2f", export.Summary.TotalSleeperHours), ""})
					tw.Render()
					return nil
				default:
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(export)
				}
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC3339, default now)")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json, table, csv")
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func writeExportCSV(w *os.File, export engine.Export) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"start_time", "end_time", "status", "duration_hours", "location", "notes", "is_automatic"}); err != nil {
		return err
	}
	for _, iv := range export.Intervals {
		end := ""
		if iv.EndTime != nil {
			end = *iv.EndTime
		}
		hours := ""
		if iv.DurationHours != nil {
			hours = fmt.Sprintf("%.2f", *iv.DurationHours)
		}
		if err := cw.Write([]string{iv.StartTime, end, iv.Status, hours, iv.Location, iv.Notes, fmt.Sprintf("%t", iv.IsAutomatic)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func violationCmd() *cobra.Command {
	v := &cobra.Command{Use: "violations", Short: "Inspect and resolve violations"}
	v.AddCommand(violationListCmd())
	v.AddCommand(violationResolveCmd())
	return v
}

func violationListCmd() *cobra.Command {
	var driverID, from, to string
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List violations for a driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if driverID == "" {
				return fmt.Errorf("--driver required")
			}
			fromN, err := normalizeTime(from)
			if err != nil {
				return err
			}
			toN, err := normalizeTime(to)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListViolations(ctx, repo.ViolationFilters{DriverID: driverID, OpenOnly: openOnly, From: fromN, To: toN})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Raised", "Resolved"})
				for _, v := range items {
					resolved := ""
					if v.ResolvedAt != nil {
						resolved = *v.ResolvedAt
					}
					tw.AppendRow(table.Row{v.ID, v.Type, v.Severity, v.RaisedAt, resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().BoolVar(&openOnly, "open", false, "only unresolved violations")
	cmd.Flags().StringVar(&from, "from", "", "raised on or after (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "raised on or before (RFC3339)")
	return cmd
}

func violationResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a violation by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveViolation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Fleet.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveFleetAndConfig(cmd.Context(), viper.GetString("fleet"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dutyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveFleetAndConfig(ctx, viper.GetString("fleet"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// normalizeTime reformats an RFC3339 bound to UTC; stored timestamps are UTC
// strings and compare as such.
func normalizeTime(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func parseAsOf(raw string, e engine.Engine) (time.Time, error) {
	if raw == "" {
		return e.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
