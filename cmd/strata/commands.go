package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/commands"
	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/spf13/cobra"
)

// parsePattern parses a pattern like "region,amount:-1"
func parsePattern(s string) (keystring.Pattern, error) {
	if s == "" {
		return nil, nil
	}

	pattern := keystring.Pattern{}

	for _, part := range strings.Split(s, ",") {
		field := keystring.Field{Path: part, Direction: keystring.Ascending}

		if i := strings.LastIndex(part, ":"); i != -1 {
			direction, err := strconv.Atoi(part[i+1:])

			if err != nil {
				return nil, fmt.Errorf("invalid direction in %q", part)
			}

			field = keystring.Field{Path: part[:i], Direction: keystring.Direction(direction)}
		}

		pattern = append(pattern, field)
	}

	return pattern, pattern.Validate()
}

func (a *app) collectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				names, err := db.Collections(ctx)

				if err != nil {
					return err
				}

				return a.print(names)
			})
		},
	}
}

func (a *app) createCommand() *cobra.Command {
	var key string
	var idBits int

	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a collection with a single open partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := parsePattern(key)

			if err != nil {
				return err
			}

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				return db.CreateCollection(ctx, args[0], collection.Options{PrimaryKey: pattern, IDBits: idBits})
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "primary key pattern, for example \"region,amount:-1\" (default \"_id\")")
	cmd.Flags().IntVar(&idBits, "id-bits", 0, "width of the partition id space")

	return cmd
}

func (a *app) dropCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <collection>",
		Short: "Drop a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				return db.DropCollection(ctx, args[0])
			})
		},
	}
}

// readDocuments reads one JSON document per line
func readDocuments(r io.Reader) ([]document.Document, error) {
	docs := []document.Document{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for line := 1; scanner.Scan(); line++ {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}

		doc, err := document.Parse(scanner.Bytes())

		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		docs = append(docs, doc)
	}

	return docs, scanner.Err()
}

func (a *app) insertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <collection> [file]",
		Short: "Insert newline delimited JSON documents from a file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()

			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])

				if err != nil {
					return err
				}

				defer f.Close()
				in = f
			}

			docs, err := readDocuments(in)

			if err != nil {
				return err
			}

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				ids, err := db.Insert(ctx, args[0], docs...)

				if err != nil {
					return err
				}

				for _, id := range ids {
					if err := a.print(id.String()); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}
}

func (a *app) scanCommand() *cobra.Command {
	var backward bool
	var limit int
	var partition int64
	var sort string

	cmd := &cobra.Command{
		Use:   "scan <collection>",
		Short: "Print documents in record id order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := commands.ScanRequest{Collection: args[0], Limit: limit}

			if backward {
				request.Direction = kv.Backward
			}

			if cmd.Flags().Changed("partition") {
				request.Partition = &partition
			}

			pattern, err := parsePattern(sort)

			if err != nil {
				return fmt.Errorf("--sort: %w", err)
			}

			request.Sort = pattern

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				entries, err := db.Scan(ctx, request)

				if err != nil {
					return err
				}

				for _, entry := range entries {
					if err := a.print(entry); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&backward, "backward", false, "scan from the newest record")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of documents")
	cmd.Flags().Int64Var(&partition, "partition", 0, "only scan the partition with this id")
	cmd.Flags().StringVar(&sort, "sort", "", "sort by a key pattern instead of record id, for example \"amount:-1\"")

	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <collection>",
		Short: "Print the size of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				stats, err := db.Stats(ctx, args[0])

				if err != nil {
					return err
				}

				return a.print(stats)
			})
		},
	}
}

func (a *app) createIndexCommand() *cobra.Command {
	var key string
	var unique bool

	cmd := &cobra.Command{
		Use:   "create-index <collection> <index>",
		Short: "Add a secondary index and fill it from existing documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := parsePattern(key)

			if err != nil {
				return err
			}

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				return db.CreateIndex(ctx, args[0], index.Descriptor{Name: args[1], Pattern: pattern, Unique: unique})
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "index key pattern")
	cmd.Flags().BoolVar(&unique, "unique", false, "reject documents with duplicate keys")
	cmd.MarkFlagRequired("key")

	return cmd
}

func (a *app) dropIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-index <collection> <index>",
		Short: "Drop a secondary index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				return db.DropIndex(ctx, args[0], args[1])
			})
		},
	}
}

func (a *app) addPartitionCommand() *cobra.Command {
	var newMax, info string
	var force bool

	cmd := &cobra.Command{
		Use:   "add-partition <collection>",
		Short: "Cap the last partition and append a new one",
		Long: "Cap the last partition and append a new one. Without --new-max the\n" +
			"greatest primary key in the last partition becomes its bound. The\n" +
			"resolved request is printed so it can be applied elsewhere.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := commands.AddPartitionRequest{Collection: args[0], Force: force}

			if newMax != "" {
				if err := json.Unmarshal([]byte(newMax), &request.NewMax); err != nil {
					return fmt.Errorf("--new-max must be a JSON array: %w", err)
				}
			}

			if info != "" {
				request.Info = &collection.PartitionInfo{}

				if err := json.Unmarshal([]byte(info), request.Info); err != nil {
					return fmt.Errorf("--info must be a JSON object: %w", err)
				}
			}

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				resolved, err := db.AddPartition(ctx, request)

				if err != nil {
					return err
				}

				return a.print(resolved)
			})
		},
	}

	cmd.Flags().StringVar(&newMax, "new-max", "", "bound of the capped partition as a JSON array, for example '[100]'")
	cmd.Flags().StringVar(&info, "info", "", "expected new partition as JSON, for example '{\"_id\":1}'")
	cmd.Flags().BoolVar(&force, "force", false, "allow changing a protected collection")

	return cmd
}

func (a *app) dropPartitionCommand() *cobra.Command {
	var id int64
	var max string
	var force bool

	cmd := &cobra.Command{
		Use:   "drop-partition <collection>",
		Short: "Drop a partition by id or every partition up to a pivot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := commands.DropPartitionRequest{Collection: args[0], Force: force}

			if cmd.Flags().Changed("id") {
				request.ID = &id
			}

			if max != "" {
				pivot, err := document.Parse([]byte(max))

				if err != nil {
					return fmt.Errorf("--max: %w", err)
				}

				request.Max = pivot
			}

			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				response, err := db.DropPartition(ctx, request)

				if err != nil {
					return err
				}

				return a.print(response)
			})
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "id of the partition to drop")
	cmd.Flags().StringVar(&max, "max", "", "pivot document, for example '{\"ts\":1000}'")
	cmd.Flags().BoolVar(&force, "force", false, "allow changing a protected collection")

	return cmd
}

func (a *app) partitionInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "partition-info <collection>",
		Short: "Print the partitions of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, db *commands.Database) error {
				info, err := db.GetPartitionInfo(ctx, args[0])

				if err != nil {
					return err
				}

				return a.print(info)
			})
		},
	}
}
