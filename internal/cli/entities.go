package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pantry/internal/query"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

func (a *app) newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the registered entity types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			infos := cache.Types()
			if a.flags.jsonMode {
				return a.printJSON(infos)
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SINGULAR\tPLURAL\tCOLLECTION")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Singular, info.Plural, info.CollectionPath())
			}
			return w.Flush()
		},
	}
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Fetch one entity by id",
		Example: `  pantry get widget 42
  pantry get widget 42 --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			rec, err := cache.FetchByID(cmd.Context(), args[0], args[1])
			if err != nil {
				return a.fail("get", err)
			}
			return a.printRecord(rec)
		},
	}
}

func (a *app) newListCmd() *cobra.Command {
	var (
		sortArgs []string
		where    string
		reload   bool
	)
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "Fetch every entity of a type",
		Long: "List fetches the whole collection of a type. --sort takes column or\n" +
			"column:desc and may be repeated; earlier columns take priority. --where\n" +
			"filters with an expression over payload fields and the record state.",
		Example: `  pantry list widget --sort name
  pantry list widget --sort size:desc --sort name
  pantry list widget --where 'size != nil && size > 2'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sort := make([]types.SortColumn, 0, len(sortArgs))
			for _, arg := range sortArgs {
				col, err := types.ParseSortColumn(arg)
				if err != nil {
					return userError("%w", err)
				}
				sort = append(sort, col)
			}
			var filter *query.Filter
			if where != "" {
				f, err := query.Compile(where)
				if err != nil {
					return userError("--where: %w", err)
				}
				filter = f
			}

			cache, err := a.newCache()
			if err != nil {
				return err
			}
			fetch := cache.FetchAll
			if reload {
				fetch = cache.ReloadAll
			}
			recs, err := fetch(cmd.Context(), args[0], sort...)
			if err != nil {
				return a.fail("list", err)
			}
			recs, err = query.Apply(recs, filter)
			if err != nil {
				return userError("--where: %w", err)
			}
			return a.printRecords(recs)
		},
	}
	cmd.Flags().StringArrayVar(&sortArgs, "sort", nil, "sort by column[:asc|desc] (repeatable)")
	cmd.Flags().StringVar(&where, "where", "", "filter expression")
	cmd.Flags().BoolVar(&reload, "reload", false, "discard cached records and refetch")
	return cmd
}

func (a *app) newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "create <type> <json>",
		Short:   "Create an entity",
		Example: `  pantry create widget '{"name":"sprocket"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := parseItem(args[1])
			if err != nil {
				return err
			}
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			rec, err := cache.Create(cmd.Context(), args[0], item)
			if err != nil {
				return a.fail("create", err)
			}
			return a.printRecord(rec)
		},
	}
}

func (a *app) newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "update <type> <id> <json>",
		Short:   "Update an entity with a partial payload",
		Example: `  pantry update widget 42 '{"name":"gear"}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := parseItem(args[2])
			if err != nil {
				return err
			}
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			singular, id := args[0], args[1]
			if err := cache.Update(cmd.Context(), singular, id, item); err != nil {
				return a.fail("update", err)
			}
			c, err := cache.GetCache(singular)
			if err != nil {
				return a.fail("update", err)
			}
			return a.printRecord(c.Get()[id])
		},
	}
}

func (a *app) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			if err := cache.Remove(cmd.Context(), args[0], args[1]); err != nil {
				return a.fail("delete", err)
			}
			fmt.Fprintf(a.out, "Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}
