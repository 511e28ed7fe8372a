package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashita-ai/hakobi/internal/auth"
	"github.com/ashita-ai/hakobi/internal/config"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/storage"
	"github.com/ashita-ai/hakobi/migrations"
)

var rootCmd = &cobra.Command{
	Use:   "hakobictl",
	Short: "Hakobi operator CLI",
	Long: `hakobictl runs operator tasks against a Hakobi database: applying
migrations, inspecting a request's reconstructed timeline and proof ledger,
and minting signing keys and bearer tokens.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HAKOBI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (env HAKOBI_TENANT)")
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keygenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				if err := db.RunMigrations(ctx, migrations.FS); err != nil {
					return err
				}
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func timelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <request-id>",
		Short: "Show the reconstructed history of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, requestID, err := scope(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *lifecycle.Engine) error {
				tl, err := e.Timeline(ctx, tenant, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tl)
				}
				return renderTimeline(os.Stdout, tl)
			})
		},
	}
}

func renderTimeline(w io.Writer, tl model.Timeline) error {
	fmt.Fprintf(w, "request %s  classification: %s\n", tl.RequestID, tl.Classification)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Step", "Provenance", "At", "Actor", "Courier"})
	for i, s := range tl.Steps {
		at := ""
		if s.At != nil {
			at = s.At.UTC().Format(time.RFC3339)
		}
		actor := s.ActorID
		if s.ActorName != "" {
			actor = s.ActorName + " (" + s.ActorID + ")"
		}
		tw.AppendRow(table.Row{i + 1, s.Kind, s.Provenance, at, actor, s.CourierID})
	}
	tw.Render()
	return nil
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <request-id>",
		Short: "Show the proof ledger of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, requestID, err := scope(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *lifecycle.Engine) error {
				l, err := e.Ledger(ctx, tenant, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Actor", "Recorded", "Evidence", "Quantity"})
				for _, p := range []model.ProofRecord{l.Pickup, l.Delivery, l.Finalization} {
					tw.AppendRow(proofRow(p))
				}
				tw.Render()
				return nil
			})
		},
	}
}

func proofRow(p model.ProofRecord) table.Row {
	recorded, ref, qty := "", "", ""
	if p.RecordedAt != nil {
		recorded = p.RecordedAt.UTC().Format(time.RFC3339)
	}
	if p.EvidenceRef != nil {
		ref = *p.EvidenceRef
	}
	if p.Quantity != nil {
		qty = fmt.Sprintf("%g %s", p.Quantity.Value, p.Quantity.Unit)
	}
	return table.Row{p.Stage, p.ActorID, recorded, ref, qty}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <request-id>",
		Short: "List the raw activity events of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, requestID, err := scope(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				events, total, err := db.ListEvents(ctx, tenant, model.EventFilter{
					RequestID: &requestID,
					Page:      model.Page{Limit: limit},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Occurred", "Entity", "Action", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Seq, e.OccurredAt.UTC().Format(time.RFC3339), e.EntityType, e.Action, e.ActorID})
				}
				tw.AppendFooter(table.Row{"", "", "", "total", total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", model.DefaultPageLimit, "maximum events to list")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <request-id>",
		Short: "Check the content hashes of a request's activity events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, requestID, err := scope(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *lifecycle.Engine) error {
				rep, err := e.VerifyHistory(ctx, tenant, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					fmt.Printf("events checked: %d\nunhashed: %d\ntampered: %d\nmerkle root: %s\n",
						rep.Checked, len(rep.Unhashed), len(rep.Tampered), rep.Root)
					for _, id := range rep.Tampered {
						fmt.Printf("  tampered event %s\n", id)
					}
				}
				if !rep.Intact() {
					return fmt.Errorf("%d activity events failed verification", len(rep.Tampered))
				}
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var actorID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured key",
		RunE: func(_ *cobra.Command, _ []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTPrivateKeyPath == "" {
				return errors.New("HAKOBI_JWT_PRIVATE_KEY is required to issue tokens the server will accept")
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			tok, exp, err := mgr.IssueToken(actorID, tenant, model.Role(role))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "expires_at": exp})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (token subject)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleReader), "role: admin, requester, courier, finalizer or reader")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func keygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		RunE: func(_ *cobra.Command, _ []string) error {
			priv, pub, err := auth.GenerateKeyPairPEM()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(dir, "hakobi_jwt.pem")
			pubPath := filepath.Join(dir, "hakobi_jwt.pub.pem")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil { //nolint:gosec // public key
				return err
			}
			fmt.Printf("HAKOBI_JWT_PRIVATE_KEY=%s\nHAKOBI_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	return cmd
}

func tenantID() (uuid.UUID, error) {
	raw := viper.GetString("tenant")
	if raw == "" {
		return uuid.Nil, errors.New("--tenant or HAKOBI_TENANT is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
	}
	return id, nil
}

func scope(rawRequestID string) (uuid.UUID, uuid.UUID, error) {
	tenant, err := tenantID()
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	requestID, err := uuid.Parse(rawRequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid request id %q: %w", rawRequestID, err)
	}
	return tenant, requestID, nil
}

func withDB(ctx context.Context, fn func(context.Context, *storage.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	// The CLI never listens, so it skips the dedicated notify connection.
	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())
	return fn(ctx, db)
}

func withEngine(ctx context.Context, fn func(context.Context, *lifecycle.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, db *storage.DB) error {
		e := lifecycle.New(lifecycle.Config{
			Store:  db,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		return fn(ctx, e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
