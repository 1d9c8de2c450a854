package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchline/internal/app"
	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/notify"
	"dispatchline/internal/repo"
	"dispatchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dispatchline CLI",
	Long: `Dispatchline coordinates trips between facilities with compliance gating.
- Dispatches: scheduled movements from an origin facility to a destination.
- Trips: a driver/vehicle assignment walking a fixed state graph, one step
  at a time, from assigned to departed_destination.
- Documents: time-bounded credentials (licenses, inspections, insurance)
  that must be usable before a trip may arrive or start loading/unloading.
- Incidents: blocked gates open documentation incidents; resolve them by
  fixing the paperwork, then close.
- Audit log: every state change is recorded; view with 'dl audit tail'.`,
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
	viper.SetEnvPrefix("DISPATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("facility", "", "acting facility id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("facility", rootCmd.PersistentFlags().Lookup("facility"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(tripCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default dispatchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func dispatchCmd() *cobra.Command {
	dsp := &cobra.Command{Use: "dispatch", Short: "Manage dispatches"}
	dsp.AddCommand(dispatchCreateCmd())
	dsp.AddCommand(dispatchListCmd())
	dsp.AddCommand(dispatchShowCmd())
	return dsp
}

func dispatchCreateCmd() *cobra.Command {
	var id, origin, destination, date string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a scheduled movement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDispatch(ctx, id, origin, destination, date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "dispatch id (generated when empty)")
	cmd.Flags().StringVar(&origin, "origin", "", "origin facility id")
	cmd.Flags().StringVar(&destination, "destination", "", "destination facility id")
	cmd.Flags().StringVar(&date, "date", "", "scheduled date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("destination")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func dispatchListCmd() *cobra.Command {
	var facility string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDispatches(ctx, repo.DispatchFilters{FacilityID: facility, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Origin", "Destination", "Scheduled"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.OriginFacilityID, d.DestinationFacilityID, d.ScheduledDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&facility, "facility-id", "", "filter by facility on either side")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dispatchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <dispatch-id>",
		Short: "Show a dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDispatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	return cmd
}

func tripCmd() *cobra.Command {
	trip := &cobra.Command{Use: "trip", Short: "Manage trips"}
	trip.AddCommand(tripCreateCmd())
	trip.AddCommand(tripAdvanceCmd())
	trip.AddCommand(tripShowCmd())
	trip.AddCommand(tripListCmd())
	trip.AddCommand(tripBoardCmd())
	return trip
}

func tripCreateCmd() *cobra.Command {
	var id, dispatchID, driverID, vehicleID, trailerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a vehicle and driver to a dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTrip(ctx, engine.TripCreateOptions{
					ID:         id,
					DispatchID: dispatchID,
					DriverID:   driverID,
					VehicleID:  vehicleID,
					TrailerID:  trailerID,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "trip id (generated when empty)")
	cmd.Flags().StringVar(&dispatchID, "dispatch", "", "dispatch id")
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&trailerID, "trailer", "", "trailer id (optional)")
	_ = cmd.MarkFlagRequired("dispatch")
	_ = cmd.MarkFlagRequired("driver")
	_ = cmd.MarkFlagRequired("vehicle")
	return cmd
}

func tripAdvanceCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "advance <trip-id>",
		Short: "Advance a trip to its next state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tripID := args[0]
				if target == "" {
					t, err := e.Repo.GetTrip(ctx, tripID)
					if err != nil {
						return err
					}
					target = domain.TripSuccessor(t.State)
					if target == "" {
						return fmt.Errorf("trip %s is already terminal", tripID)
					}
				}
				t, err := e.Transition(ctx, engine.TransitionOptions{
					TripID:      tripID,
					TargetState: target,
					FacilityID:  viper.GetString("facility"),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state (defaults to the next state)")
	return cmd
}

func tripShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <trip-id>",
		Short: "Show a trip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTrip(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func tripListCmd() *cobra.Command {
	var f repo.TripFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				trips, err := e.Repo.ListTrips(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trips)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Dispatch", "Driver", "Vehicle", "State", "Seq"})
				for _, t := range trips {
					tw.AppendRow(table.Row{t.ID, t.DispatchID, t.DriverID, t.VehicleID, t.State, t.Seq})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DispatchID, "dispatch", "", "dispatch id filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.DriverID, "driver", "", "driver filter")
	cmd.Flags().StringVar(&f.VehicleID, "vehicle", "", "vehicle filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func tripBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Stage counts for a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility := viper.GetString("facility")
			if facility == "" {
				return fmt.Errorf("facility is required; use --facility")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Board(ctx, facility)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Expected", "In facility", "Loading", "Unloading", "Departed"})
				tw.AppendRow(table.Row{counts.Expected, counts.InFacility, counts.Loading, counts.Unloading, counts.Departed})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage compliance documents"}
	doc.AddCommand(docAddCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docShowCmd())
	doc.AddCommand(docApproveCmd())
	doc.AddCommand(docRejectCmd())
	doc.AddCommand(docProvisionalCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var id, resourceType, resourceID, docType, issue, expiry string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a document (pending validation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDocument(ctx, engine.DocumentCreateOptions{
					ID:           id,
					ResourceType: resourceType,
					ResourceID:   resourceID,
					DocType:      docType,
					IssueDate:    issue,
					ExpiryDate:   expiry,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "document id (generated when empty)")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "driver, vehicle or trailer")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "owning resource id")
	cmd.Flags().StringVar(&docType, "type", "", "document type from the catalog")
	cmd.Flags().StringVar(&issue, "issue-date", "", "issue date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&expiry, "expiry-date", "", "expiry date (YYYY-MM-DD, optional)")
	_ = cmd.MarkFlagRequired("resource-type")
	_ = cmd.MarkFlagRequired("resource-id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("issue-date")
	return cmd
}

func docListCmd() *cobra.Command {
	var f repo.DocumentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents with their effective state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Repo.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				now := time.Now().UTC()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Resource", "Type", "Stored", "Effective", "Expiry"})
				for _, d := range docs {
					expiry := ""
					if d.ExpiryDate != nil {
						expiry = *d.ExpiryDate
					}
					resource := d.ResourceType + "/" + d.ResourceID
					tw.AppendRow(table.Row{d.ID, resource, d.DocType, d.State, e.Evaluate(d, now), expiry})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "resource type filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "resource id filter")
	cmd.Flags().StringVar(&f.DocType, "type", "", "document type filter")
	cmd.Flags().StringVar(&f.State, "state", "", "stored state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func docShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	return cmd
}

func docApproveCmd() *cobra.Command {
	var issue, expiry string
	cmd := &cobra.Command{
		Use:   "approve <document-id>",
		Short: "Approve a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var issuePtr, expiryPtr *string
				if issue != "" {
					issuePtr = &issue
				}
				if expiry != "" {
					expiryPtr = &expiry
				}
				d, err := e.Approve(ctx, args[0], viper.GetString("actor-id"), issuePtr, expiryPtr)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&issue, "issue-date", "", "corrected issue date (optional)")
	cmd.Flags().StringVar(&expiry, "expiry-date", "", "corrected expiry date (optional)")
	return cmd
}

func docRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <document-id>",
		Short: "Reject a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func docProvisionalCmd() *cobra.Command {
	var justification, incidentID string
	cmd := &cobra.Command{
		Use:   "provisional <document-id>",
		Short: "Grant a time-boxed provisional approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ApproveProvisionally(ctx, args[0], viper.GetString("actor-id"), justification, incidentID)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "why the provisional grant is warranted")
	cmd.Flags().StringVar(&incidentID, "incident", "", "blocking incident id (optional)")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{Use: "incident", Short: "Manage incidents"}
	inc.AddCommand(incidentOpenCmd())
	inc.AddCommand(incidentClaimCmd())
	inc.AddCommand(incidentResolveCmd())
	inc.AddCommand(incidentCloseCmd())
	inc.AddCommand(incidentListCmd())
	return inc
}

func incidentOpenCmd() *cobra.Command {
	var tripID, incType, severity, description string
	var docs []string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an incident for a trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, created, err := e.OpenIncident(ctx, engine.IncidentOpenOptions{
					TripID:         tripID,
					Type:           incType,
					Severity:       severity,
					Description:    description,
					AffectedDocIDs: docs,
					ReporterID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(os.Stderr, "reusing active incident %s\n", inc.ID)
				}
				return printJSON(inc)
			})
		},
	}
	cmd.Flags().StringVar(&tripID, "trip", "", "trip id")
	cmd.Flags().StringVar(&incType, "type", domain.IncidentTypeOther, "incident type")
	cmd.Flags().StringVar(&severity, "severity", domain.SeverityMedium, "severity")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringSliceVar(&docs, "doc", nil, "affected document id (repeatable)")
	_ = cmd.MarkFlagRequired("trip")
	return cmd
}

func incidentClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <incident-id>",
		Short: "Claim an open incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.ClaimIncident(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(inc)
			})
		},
	}
	return cmd
}

func incidentResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an in-progress incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.ResolveIncident(ctx, args[0], viper.GetString("actor-id"), resolution)
				if err != nil {
					return err
				}
				return printJSON(inc)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "what fixed it")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func incidentCloseCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "close <incident-id>",
		Short: "Close an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.CloseIncident(ctx, args[0], viper.GetString("actor-id"), admin)
				if err != nil {
					return err
				}
				return printJSON(inc)
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "administratively close before resolution")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trip", "Type", "Severity", "State", "Resolver"})
				for _, inc := range items {
					resolver := ""
					if inc.ResolverID != nil {
						resolver = *inc.ResolverID
					}
					tw.AppendRow(table.Row{inc.ID, inc.TripID, inc.Type, inc.Severity, inc.State, resolver})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TripID, "trip", "", "trip filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.ListAuditRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Entity", "Action", "Before", "After", "Actor"})
				for _, rec := range records {
					entity := rec.EntityType + "/" + rec.EntityID
					tw.AppendRow(table.Row{rec.ID, rec.At, entity, rec.Action, rec.Before, rec.After, rec.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of records")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue documents and decay provisional approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				swept, err := e.SweepExpirations(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("swept %d document(s)\n", swept)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					Roles:   roles,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				fmt.Printf("id: %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role granted to the key (repeatable: operator, validator, closer)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.OpenEngine(workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DISPATCHLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				log.Printf("WARNING: DISPATCHLINE_JWT_SECRET not set; running in dev mode, X-Actor-Id is trusted")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(e)
			go runSweepLoop(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dispatchline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func runSweepLoop(ctx context.Context, e engine.Engine) {
	ticker := time.NewTicker(e.Config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := e.SweepExpirations(ctx, "sweeper"); err != nil {
				log.Printf("sweep: %v", err)
			} else if swept > 0 {
				log.Printf("sweep: %d document(s) updated", swept)
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
