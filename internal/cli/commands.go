package cli

import (
	"github.com/spf13/cobra"
)

func (r *runner) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the store driver, location, reset flag and object counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withStack(cmd, func(s *session) error { return s.info(cmd.Context()) })
		},
	}
}

func (r *runner) putCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "put <entity> [key=value...]",
		Short: "Insert an object, or update it when --id names an existing one",
		Long: `Values are parsed as JSON when they are valid JSON (numbers, booleans,
null, quoted strings, arrays, objects) and taken as plain strings otherwise.
An empty value (key=) removes the attribute on update.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStack(cmd, func(s *session) error { return s.put(cmd.Context(), id, args[0], args[1:]) })
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "object id to insert or update")
	return cmd
}

func (r *runner) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStack(cmd, func(s *session) error { return s.get(cmd.Context(), args[0]) })
		},
	}
}

func (r *runner) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list [entity]",
		Aliases: []string{"ls"},
		Short:   "List objects, optionally of one entity",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := ""
			if len(args) == 1 {
				entity = args[0]
			}
			return r.withStack(cmd, func(s *session) error { return s.list(cmd.Context(), entity) })
		},
	}
}

func (r *runner) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete one object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withStack(cmd, func(s *session) error { return s.delete(cmd.Context(), args[0]) })
		},
	}
}

func (r *runner) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Save the main context with the configured cleanup policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withStack(cmd, func(s *session) error { return s.cleanup(cmd.Context()) })
		},
	}
}
