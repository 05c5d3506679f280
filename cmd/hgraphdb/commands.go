package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/graph"
)

// indexKeyArgs parses "<vertex|edge> <label> <key>".
func indexKeyArgs(args []string) (graph.IndexKey, error) {
	typ, err := graph.ParseElementType(args[0])
	if err != nil {
		return graph.IndexKey{}, err
	}
	return graph.IndexKey{Type: typ, Label: args[1], PropertyKey: args[2]}, nil
}

// parsePropertyTypes parses "name=STRING" pairs.
func parsePropertyTypes(pairs []string) (map[string]codec.ValueType, error) {
	props := make(map[string]codec.ValueType, len(pairs))
	for _, pair := range pairs {
		key, typeName, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=TYPE, got %q", pair)
		}
		t, err := codec.ParseValueType(typeName)
		if err != nil {
			return nil, err
		}
		props[key] = t
	}
	return props, nil
}

// parseValue reads a command-line literal as LONG, DOUBLE, BOOLEAN, or
// STRING, in that order. A value wrapped in double quotes is always a string.
func parseValue(s string) any {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseProperties(pairs []string) (map[string]any, error) {
	props := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		props[key] = parseValue(value)
	}
	return props, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func (a *app) labelCommand() *cobra.Command {
	labelCmd := &cobra.Command{
		Use:   "label",
		Short: "Schema label operations (requires --schema or graph.use_schema)",
	}

	labelCmd.AddCommand(&cobra.Command{
		Use:   "create <vertex|edge> <label> <idType> [key=TYPE...]",
		Short: "Declare a label with its id type and properties",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := graph.ParseElementType(args[0])
			if err != nil {
				return err
			}
			idType, err := codec.ParseValueType(args[2])
			if err != nil {
				return err
			}
			props, err := parsePropertyTypes(args[3:])
			if err != nil {
				return err
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				md, err := g.CreateLabel(typ, args[1], idType, props)
				if err != nil {
					return err
				}
				fmt.Printf("created %s label %s (%d properties)\n", md.Type, md.Label, len(md.Properties))
				return nil
			})
		},
	})

	labelCmd.AddCommand(&cobra.Command{
		Use:   "update <vertex|edge> <label> key=TYPE...",
		Short: "Add properties to a label",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := graph.ParseElementType(args[0])
			if err != nil {
				return err
			}
			props, err := parsePropertyTypes(args[2:])
			if err != nil {
				return err
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				md, err := g.UpdateLabel(typ, args[1], props)
				if err != nil {
					return err
				}
				fmt.Printf("updated %s label %s (%d properties)\n", md.Type, md.Label, len(md.Properties))
				return nil
			})
		},
	})

	labelCmd.AddCommand(&cobra.Command{
		Use:   "connect <outLabel> <edgeLabel> <inLabel>",
		Short: "Allow edges of edgeLabel from outLabel to inLabel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				c, err := g.ConnectLabels(args[0], args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Printf("connected (%s)-[%s]->(%s)\n", c.OutLabel, c.EdgeLabel, c.InLabel)
				return nil
			})
		},
	})

	labelCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List labels and connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				s := g.Schema()
				w := newTable()
				fmt.Fprintln(w, "TYPE\tLABEL\tID\tPROPERTIES")
				for _, typ := range []graph.ElementType{graph.VertexType, graph.EdgeType} {
					for _, md := range s.Labels(typ) {
						keys := make([]string, 0, len(md.Properties))
						for k, t := range md.Properties {
							keys = append(keys, k+"="+t.String())
						}
						sort.Strings(keys)
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", md.Type, md.Label, md.IDType, strings.Join(keys, " "))
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}
				for _, c := range s.Connections() {
					fmt.Printf("(%s)-[%s]->(%s)\n", c.OutLabel, c.EdgeLabel, c.InLabel)
				}
				return nil
			})
		},
	})

	return labelCmd
}

// populationFlags registers the flags shared by index create and build and
// returns a function resolving them against the configuration.
func (a *app) populationFlags(cmd *cobra.Command) func() (graph.PopulationOptions, error) {
	cmd.Flags().String("strategy", "", "Population strategy: direct or bulk (default from config)")
	cmd.Flags().Int("batch-size", 0, "Entries per store batch (default from config)")
	cmd.Flags().Int("parallelism", 0, "Salt buckets scanned concurrently (default from config)")
	cmd.Flags().String("artifact-dir", "", "Directory for bulk artifacts (default from config)")
	cmd.Flags().Bool("defer-load", false, "Bulk only: write the artifact and stop; load it with `index load`")

	return func() (graph.PopulationOptions, error) {
		opts, err := a.cfg.PopulationOptions()
		if err != nil {
			return opts, err
		}
		if s, _ := cmd.Flags().GetString("strategy"); s != "" {
			if opts.Strategy, err = graph.ParsePopulationStrategy(s); err != nil {
				return opts, err
			}
		}
		if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
			opts.BatchSize = n
		}
		if n, _ := cmd.Flags().GetInt("parallelism"); n > 0 {
			opts.Parallelism = n
		}
		if dir, _ := cmd.Flags().GetString("artifact-dir"); dir != "" {
			opts.ArtifactDir = dir
		}
		opts.DeferLoad, _ = cmd.Flags().GetBool("defer-load")
		return opts, nil
	}
}

func printPopulation(key graph.IndexKey, stats graph.PopulationStats) {
	fmt.Printf("%s: scanned %s, indexed %s, skipped %s in %s\n",
		key, humanize.Comma(stats.Scanned), humanize.Comma(stats.Indexed),
		humanize.Comma(stats.Skipped), stats.Duration.Round(time.Millisecond))
	if stats.Artifact != "" {
		fmt.Printf("artifact written to %s; run `hgraphdb index load %s %s %s %s` to activate\n",
			stats.Artifact, key.Type, key.Label, key.PropertyKey, stats.Artifact)
	}
}

func (a *app) indexCommand() *cobra.Command {
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Secondary index operations",
	}

	createCmd := &cobra.Command{
		Use:   "create <vertex|edge> <label> <key>",
		Short: "Register an index, optionally building it right away",
		Args:  cobra.ExactArgs(3),
	}
	createCmd.Flags().Bool("unique", false, "Reject two elements with the same value")
	createCmd.Flags().Bool("build", false, "Populate the index from existing data and activate it")
	createPopulation := a.populationFlags(createCmd)
	createCmd.RunE = func(cmd *cobra.Command, args []string) error {
		key, err := indexKeyArgs(args)
		if err != nil {
			return err
		}
		var opts []graph.IndexOption
		if unique, _ := cmd.Flags().GetBool("unique"); unique {
			opts = append(opts, graph.WithUnique())
		}
		if build, _ := cmd.Flags().GetBool("build"); build {
			pop, err := createPopulation()
			if err != nil {
				return err
			}
			opts = append(opts, graph.WithPopulation(pop))
		}
		return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
			md, err := g.CreateIndex(ctx, key.Type, key.Label, key.PropertyKey, opts...)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", md.IndexKey, md.State)
			return nil
		})
	}
	indexCmd.AddCommand(createCmd)

	buildCmd := &cobra.Command{
		Use:   "build <vertex|edge> <label> <key>",
		Short: "Populate a CREATED or BUILDING index and activate it",
		Long: `Scan existing elements and write their index entries. Writes running
concurrently keep the index up to date. An interrupted build leaves the index
BUILDING; running build again resumes it.`,
		Args: cobra.ExactArgs(3),
	}
	buildPopulation := a.populationFlags(buildCmd)
	buildCmd.RunE = func(cmd *cobra.Command, args []string) error {
		key, err := indexKeyArgs(args)
		if err != nil {
			return err
		}
		opts, err := buildPopulation()
		if err != nil {
			return err
		}
		return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
			stats, err := g.NewPopulationJob(key, opts).Run(ctx)
			if err != nil {
				return err
			}
			printPopulation(key, stats)
			return nil
		})
	}
	indexCmd.AddCommand(buildCmd)

	indexCmd.AddCommand(&cobra.Command{
		Use:   "load <vertex|edge> <label> <key> <artifact>",
		Short: "Load a deferred bulk artifact and activate the index",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := indexKeyArgs(args)
			if err != nil {
				return err
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				n, err := g.CompleteBulkLoad(ctx, key, args[3])
				if err != nil {
					return err
				}
				fmt.Printf("%s: loaded %s entries, ACTIVE\n", key, humanize.Comma(int64(n)))
				return nil
			})
		},
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "deactivate <vertex|edge> <label> <key>",
		Short: "Stop using and maintaining an ACTIVE index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := indexKeyArgs(args)
			if err != nil {
				return err
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				md, err := g.DeactivateIndex(key)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", md.IndexKey, md.State)
				return nil
			})
		},
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "drop <vertex|edge> <label> <key>",
		Short: "Drop an ACTIVE or INACTIVE index and delete its entries",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := indexKeyArgs(args)
			if err != nil {
				return err
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				if err := g.DropIndex(ctx, key); err != nil {
					return err
				}
				fmt.Printf("%s: DROPPED\n", key)
				return nil
			})
		},
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List indexes and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				w := newTable()
				fmt.Fprintln(w, "TYPE\tLABEL\tKEY\tUNIQUE\tSTATE\tUPDATED")
				for _, md := range g.Indices() {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
						md.Type, md.Label, md.PropertyKey, md.Unique, md.State, humanize.Time(md.UpdatedAt))
				}
				return w.Flush()
			})
		},
	})

	sweepCmd := &cobra.Command{
		Use:   "sweep [<vertex|edge> <label> <key>]",
		Short: "Delete stale entries of one index, or of every ACTIVE index",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected no arguments or <vertex|edge> <label> <key>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				var keys []graph.IndexKey
				if len(args) == 3 {
					key, err := indexKeyArgs(args)
					if err != nil {
						return err
					}
					keys = append(keys, key)
				} else {
					keys = activeIndexKeys(g)
				}
				for _, key := range keys {
					stats, err := g.SweepIndex(ctx, key)
					if err != nil {
						return fmt.Errorf("sweeping %s: %w", key, err)
					}
					fmt.Printf("%s: scanned %s, stale %d, removed %d, too young %d\n",
						key, humanize.Comma(int64(stats.Scanned)), stats.Stale, stats.Removed, stats.Young)
				}
				return nil
			})
		},
	}
	indexCmd.AddCommand(sweepCmd)

	return indexCmd
}

func activeIndexKeys(g *graph.Graph) []graph.IndexKey {
	var keys []graph.IndexKey
	for _, md := range g.Indices() {
		if md.State == graph.StateActive {
			keys = append(keys, md.IndexKey)
		}
	}
	return keys
}

func (a *app) vertexCommand() *cobra.Command {
	vertexCmd := &cobra.Command{
		Use:   "vertex",
		Short: "Add and look up vertices",
	}

	vertexCmd.AddCommand(&cobra.Command{
		Use:   "add <label> <id> [key=value...]",
		Short: "Add a vertex; use - as id to generate one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseProperties(args[2:])
			if err != nil {
				return err
			}
			var id any
			if args[1] != "-" {
				id = parseValue(args[1])
			}
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				v, err := g.AddVertex(args[0], id, props)
				if err != nil {
					return err
				}
				fmt.Printf("added %s %v\n", v.Label(), v.ID())
				return nil
			})
		},
	})

	findCmd := &cobra.Command{
		Use:   "find <label> <key> <value> [to]",
		Short: "Find vertices by property value, or by range [value, to)",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				seq := g.VerticesByLabel(ctx, args[0], args[1], parseValue(args[2]))
				if len(args) == 4 {
					seq = g.VerticesInRange(ctx, args[0], args[1], parseValue(args[2]), parseValue(args[3]))
				}
				n := 0
				for v, err := range seq {
					if err != nil {
						return err
					}
					props, err := v.Properties()
					if err != nil {
						return err
					}
					fmt.Printf("%v\t%v\n", v.ID(), props)
					n++
					if limit > 0 && n >= limit {
						break
					}
				}
				return nil
			})
		},
	}
	findCmd.Flags().Int("limit", 100, "Maximum results (0 for no limit)")
	vertexCmd.AddCommand(findCmd)

	return vertexCmd
}

func (a *app) statsCommand() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage, index, and cleaner statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetBool("count")
			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				lsm, vlog := g.Store().Size()
				fmt.Printf("Storage: %s (LSM %s, value log %s)\n",
					a.cfg.Storage.DataDir, humanize.IBytes(uint64(lsm)), humanize.IBytes(uint64(vlog)))

				byState := map[graph.IndexState]int{}
				for _, md := range g.Indices() {
					byState[md.State]++
				}
				fmt.Printf("Indexes: %d created, %d building, %d active, %d inactive\n",
					byState[graph.StateCreated], byState[graph.StateBuilding],
					byState[graph.StateActive], byState[graph.StateInactive])

				cs := g.Cleaner().Stats()
				fmt.Printf("Cleaner: %d queued, %s removed, %s skipped, %d failed\n",
					cs.Queued, humanize.Comma(cs.Removed), humanize.Comma(cs.Skipped), cs.Failed)

				if !count {
					return nil
				}
				var vertices, edges int64
				for _, err := range g.Vertices(ctx, nil, 0) {
					if err != nil {
						return err
					}
					vertices++
				}
				for _, err := range g.Edges(ctx, nil, 0) {
					if err != nil {
						return err
					}
					edges++
				}
				fmt.Printf("Elements: %s vertices, %s edges\n", humanize.Comma(vertices), humanize.Comma(edges))
				return nil
			})
		},
	}
	statsCmd.Flags().Bool("count", false, "Count vertices and edges (full scan)")
	return statsCmd
}

func (a *app) metricsCommand() *cobra.Command {
	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Prometheus metrics",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the graph open, sweep indexes periodically, and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := a.cfg.Metrics.Address
			if cmd.Flags().Changed("address") {
				addr, _ = cmd.Flags().GetString("address")
			}
			every, _ := cmd.Flags().GetDuration("sweep-interval")

			return a.withGraph(func(ctx context.Context, g *graph.Graph) error {
				reg := g.Metrics().Registry
				reg.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

				errCh := make(chan error, 1)
				go func() {
					a.log.Info().Str("address", addr).Msg("serving metrics")
					errCh <- srv.ListenAndServe()
				}()

				var tick <-chan time.Time
				if every > 0 {
					t := time.NewTicker(every)
					defer t.Stop()
					tick = t.C
				}

				for {
					select {
					case <-ctx.Done():
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
						defer cancel()
						return srv.Shutdown(shutdownCtx)
					case err := <-errCh:
						if errors.Is(err, http.ErrServerClosed) {
							return nil
						}
						return err
					case <-tick:
						for _, key := range activeIndexKeys(g) {
							stats, err := g.SweepIndex(ctx, key)
							if err != nil {
								a.log.Warn().Err(err).Str("index", key.String()).Msg("sweep failed")
								continue
							}
							a.log.Info().Str("index", key.String()).Int("removed", stats.Removed).Int("young", stats.Young).Msg("sweep finished")
						}
					}
				}
			})
		},
	}
	serveCmd.Flags().String("address", "", "Listen address (default from config)")
	serveCmd.Flags().Duration("sweep-interval", 0, "Sweep every ACTIVE index at this interval (0 disables)")
	metricsCmd.AddCommand(serveCmd)

	return metricsCmd
}
