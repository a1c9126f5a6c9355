package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/events"
	"github.com/ponsauto/pons/engine/feed"
	"github.com/ponsauto/pons/engine/normalize"
	"github.com/ponsauto/pons/engine/vin"
	"github.com/ponsauto/pons/pkg/config"
	"github.com/ponsauto/pons/pkg/fn"
)

// feedFlags are shared by every command that reads a local feed file.
type feedFlags struct {
	format   string
	mapping  string
	encoding string
	source   string
}

func (f *feedFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "feed format: csv, xml or json (default: file extension)")
	cmd.Flags().StringVarP(&f.mapping, "mapping", "m", "", "normalizer mapping strategy")
	cmd.Flags().StringVarP(&f.encoding, "encoding", "e", "", "character encoding of the file (default utf-8)")
	cmd.Flags().StringVarP(&f.source, "source", "s", "", "source name recorded on each vehicle (default: file name)")
}

// load reads path and resolves the flags against it.
func (f *feedFlags) load(path string) (feed.Source, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return feed.Source{}, nil, err
	}
	format := f.format
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	ft, err := feed.ParseFormat(format)
	if err != nil {
		return feed.Source{}, nil, err
	}
	name := f.source
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return feed.Source{Name: name, Format: ft, Mapping: f.mapping, Encoding: f.encoding}, content, nil
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "ponsctl",
		Short:         "Inspect dealer feeds and publishing without a running server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildValidateCommand(),
		buildIngestCommand(),
		buildDecodeCommand(),
		buildPreviewCommand(),
		buildConfigCommand(),
		buildEventsCommand(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pipeline() normalize.Pipeline {
	return normalize.Pipeline{
		Normalizer: normalize.NewNormalizer(slog.New(slog.NewTextHandler(io.Discard, nil))),
		Enricher:   normalize.NewEnricher(nil),
	}
}

func buildValidateCommand() *cobra.Command {
	var flags feedFlags
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a feed file and report valid and rejected records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, content, err := flags.load(args[0])
			if err != nil {
				return err
			}
			if content, err = feed.Decode(src.Format, src.Encoding, content); err != nil {
				return err
			}
			p, err := feed.ParserFor(src.Format)
			if err != nil {
				return err
			}
			records, perr := p.Parse(src.Name, content)
			batch := domain.ValidateBatch(records)
			out := struct {
				Records    int                `json:"records"`
				Valid      int                `json:"valid"`
				Invalid    []domain.Rejection `json:"invalid"`
				ParseError string             `json:"parse_error,omitempty"`
			}{Records: len(records), Valid: len(batch.Valid), Invalid: batch.Invalid}
			if perr != nil {
				out.ParseError = perr.Error()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildIngestCommand() *cobra.Command {
	var (
		flags   feedFlags
		dryRun  bool
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a feed file through a running API server, or locally with --dry-run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, content, err := flags.load(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var rep feed.Report
			if dryRun {
				svc := feed.NewService(feed.Deps{
					Pipeline: pipeline(),
					Logger:   slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError})),
				})
				rep, err = svc.Upload(ctx, src, content)
			} else {
				rep, err = upload(ctx, server, src, content)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "normalize and report without storing")
	cmd.Flags().StringVar(&server, "server", envOr("PONS_SERVER", "http://localhost:8080"), "API server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall time limit")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// upload posts content to the server's feed upload endpoint.
func upload(ctx context.Context, server string, src feed.Source, content []byte) (feed.Report, error) {
	q := url.Values{}
	q.Set("format", string(src.Format))
	q.Set("source", src.Name)
	if src.Mapping != "" {
		q.Set("mapping", src.Mapping)
	}
	if src.Encoding != "" {
		q.Set("encoding", src.Encoding)
	}
	endpoint := strings.TrimRight(server, "/") + "/feeds/upload?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(content))
	if err != nil {
		return feed.Report{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return feed.Report{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		return feed.Report{}, fmt.Errorf("upload: %s: %s", resp.Status, body.Error)
	}
	var rep feed.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return feed.Report{}, fmt.Errorf("upload: decode report: %w", err)
	}
	return rep, nil
}

func buildDecodeCommand() *cobra.Command {
	var (
		hint   int
		recent bool
	)
	cmd := &cobra.Command{
		Use:   "decode VIN",
		Short: "Decode the structure of a VIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []vin.Option
			if hint != 0 {
				opts = append(opts, vin.WithYearHint(hint))
			}
			if recent {
				opts = append(opts, vin.PreferRecent(time.Now()))
			}
			d, err := vin.Decode(args[0], opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().IntVar(&hint, "year-hint", 0, "approximate model year used to pick between cycles")
	cmd.Flags().BoolVar(&recent, "recent", false, "resolve the model year to the most recent plausible cycle")
	return cmd
}

// offline satisfies natsutil.Conn for previews that must not reach NATS.
type offline struct{}

var errOffline = errors.New("preview: no network access")

func (offline) PublishMsg(*nats.Msg) error { return errOffline }

func (offline) RequestMsgWithContext(context.Context, *nats.Msg) (*nats.Msg, error) {
	return nil, errOffline
}

// previewBridge builds a bridge for formatting only. Credentials from the
// config file are used when present, placeholders otherwise.
func previewBridge(ch domain.Channel, cfgPath string) (bridge.Bridge, error) {
	bc := bridge.Config{APIKey: "preview", DealerID: "preview", CatalogID: "preview"}
	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if c, ok := cfg.Channels[string(ch)]; ok {
			bc.BaseURL = c.BaseURL
			if c.DealerID != "" {
				bc.DealerID = c.DealerID
			}
			if c.CatalogID != "" {
				bc.CatalogID = c.CatalogID
			}
		}
	}
	return bridge.New(ch, bc, offline{})
}

func buildPreviewCommand() *cobra.Command {
	var (
		flags   feedFlags
		channel string
		vinArg  string
		cfgPath string
	)
	cmd := &cobra.Command{
		Use:   "preview FILE",
		Short: "Render how a vehicle from a feed file would be listed on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := domain.ParseChannel(channel)
			if err != nil {
				return err
			}
			b, err := previewBridge(ch, cfgPath)
			if err != nil {
				return err
			}
			src, content, err := flags.load(args[0])
			if err != nil {
				return err
			}
			if content, err = feed.Decode(src.Format, src.Encoding, content); err != nil {
				return err
			}
			p, err := feed.ParserFor(src.Format)
			if err != nil {
				return err
			}
			records, _ := p.Parse(src.Name, content)
			want := domain.NormalizeVIN(vinArg)
			pipe := pipeline()
			for _, rec := range records {
				if want != "" && domain.NormalizeVIN(rec.Text("vin")) != want {
					continue
				}
				v, err := pipe.Process(src.Mapping, rec)
				if err != nil {
					if want != "" {
						return err
					}
					continue
				}
				return printJSON(cmd.OutOrStdout(), bridge.NewPreview(b, v))
			}
			if want != "" {
				return fmt.Errorf("%s: %w", want, domain.ErrVehicleNotFound)
			}
			return errors.New("preview: no valid vehicle in feed")
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "target channel")
	cmd.Flags().StringVar(&vinArg, "vin", "", "vehicle to preview (default: first valid record)")
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("PONS_CONFIG"), "config file for channel settings")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Load and validate a config file with environment overrides applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"ok":       true,
				"channels": cfg.EnabledChannels(),
				"feeds":    fn.Map(cfg.Feeds, func(f config.Feed) string { return f.Name }),
				"vehicles": cfg.Storage.Vehicles,
				"jobs":     cfg.Storage.Jobs,
				"events":   cfg.Events.Driver,
			})
		},
	})
	return cmd
}

func buildEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Domain event tools",
	}
	var natsURL string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print ingest and publish events from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("ponsctl"))
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := json.NewEncoder(cmd.OutOrStdout())
			lines := make(chan any, 64)
			subs, err := events.Watch(nc, func(_ context.Context, subject string, payload json.RawMessage) {
				select {
				case lines <- map[string]any{"subject": subject, "event": payload}:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				for _, s := range subs {
					_ = s.Unsubscribe()
				}
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", strings.Join(events.Subjects, ", "))
			for {
				select {
				case <-ctx.Done():
					return nil
				case l := <-lines:
					if err := out.Encode(l); err != nil {
						return err
					}
				}
			}
		},
	}
	watch.Flags().StringVar(&natsURL, "nats-url", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
	cmd.AddCommand(watch)
	return cmd
}
