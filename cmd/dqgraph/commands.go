package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/dqgraph/pkg/dq"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// =============================================================================
// node
// =============================================================================

func newNodeCmd() *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Entity node operations",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity node to raise flags on",
		RunE:  withApp(runNodeCreate),
	}
	createCmd.Flags().StringSlice("label", nil, "Node label (repeatable)")
	createCmd.Flags().StringToString("prop", nil, "Property key=value (repeatable)")
	nodeCmd.AddCommand(createCmd)

	return nodeCmd
}

func runNodeCreate(cmd *cobra.Command, args []string, a *app) error {
	labels, _ := cmd.Flags().GetStringSlice("label")
	props, _ := cmd.Flags().GetStringToString("prop")

	for _, l := range labels {
		if dq.IsReservedLabel(l) {
			return fmt.Errorf("label %q is reserved for flags and classes", l)
		}
	}
	properties := make(map[string]any, len(props))
	for k, v := range props {
		properties[k] = v
	}

	var node *storage.Node
	err := a.svc.Update(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		node, err = tx.CreateNode(labels, properties)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Created node %s %v\n", node.ID, node.Labels)
	return nil
}

// =============================================================================
// flag
// =============================================================================

func newFlagCmd() *cobra.Command {
	flagCmd := &cobra.Command{
		Use:   "flag",
		Short: "Flag operations",
	}

	createCmd := &cobra.Command{
		Use:   "create <entity-id>",
		Short: "Raise a flag on an entity",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runFlagCreate),
	}
	createCmd.Flags().String("class", dq.DefaultFlagClass, "Flag class label")
	createCmd.Flags().String("description", "", "Flag description")
	flagCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flags",
		Args:  cobra.NoArgs,
		RunE:  withApp(runFlagList),
	}
	listCmd.Flags().String("class", "", "Only flags of this class")
	listCmd.Flags().String("entity", "", "Only flags raised on this entity")
	flagCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <flag-id>",
		Short: "Show a flag and its attachments",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runFlagShow),
	}
	flagCmd.AddCommand(showCmd)

	attachCmd := &cobra.Command{
		Use:   "attach <flag-id> <target-id>",
		Short: "Attach a node to a flag",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(runFlagAttach),
	}
	attachCmd.Flags().String("description", "", "Attachment description")
	flagCmd.AddCommand(attachCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <flag-id>...",
		Short: "Delete flags in batches",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runFlagDelete),
	}
	deleteCmd.Flags().Int("batch-size", 1, "Flags per transaction")
	flagCmd.AddCommand(deleteCmd)

	deleteOfCmd := &cobra.Command{
		Use:   "delete-of-entities <entity-id>...",
		Short: "Delete every flag raised on the given entities, in batches",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runFlagDeleteOfEntities),
	}
	deleteOfCmd.Flags().Int("batch-size", 1, "Entities per transaction")
	flagCmd.AddCommand(deleteOfCmd)

	return flagCmd
}

func runFlagCreate(cmd *cobra.Command, args []string, a *app) error {
	class, _ := cmd.Flags().GetString("class")
	description, _ := cmd.Flags().GetString("description")

	unlock := a.svc.LockClasses(class)
	defer unlock()

	var flag *dq.FlagInstance
	err := a.svc.Update(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		flag, err = a.svc.CreateFlag(tx, storage.NodeID(args[0]), class, description)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Raised %s flag %s on %s\n", flag.Class, flag.ID, flag.Entity)
	return nil
}

func runFlagList(cmd *cobra.Command, args []string, a *app) error {
	class, _ := cmd.Flags().GetString("class")
	entity, _ := cmd.Flags().GetString("entity")

	var flags []*dq.FlagInstance
	err := a.svc.View(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		if entity != "" {
			flags, err = a.svc.FlagsOfEntity(tx, storage.NodeID(entity))
		} else {
			flags, err = dq.Collect(a.svc.ListFlags(tx, class))
		}
		return err
	})
	if err != nil {
		return err
	}

	if entity != "" && class != "" {
		flags = filterFlags(flags, class)
	}
	fmt.Printf("🚩 %d flag(s)\n", len(flags))
	for _, f := range flags {
		fmt.Printf("  • %-8s %-20s entity=%-8s %s\n", f.ID, f.Class, f.Entity, f.Description)
	}
	return nil
}

func filterFlags(flags []*dq.FlagInstance, class string) []*dq.FlagInstance {
	out := flags[:0]
	for _, f := range flags {
		if f.Class == class {
			out = append(out, f)
		}
	}
	return out
}

func runFlagShow(cmd *cobra.Command, args []string, a *app) error {
	id := storage.NodeID(args[0])

	var (
		flag *dq.FlagInstance
		atts []*dq.Attachment
	)
	err := a.svc.View(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		if flag, err = a.svc.GetFlag(tx, id); err != nil {
			return err
		}
		atts, err = a.svc.Attachments(tx, id)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("🚩 Flag %s\n", flag.ID)
	fmt.Printf("   Class:       %s\n", flag.Class)
	fmt.Printf("   Entity:      %s\n", flag.Entity)
	fmt.Printf("   Description: %s\n", flag.Description)
	fmt.Printf("   Created:     %s\n", flag.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("   Attachments: %d\n", len(atts))
	for _, att := range atts {
		fmt.Printf("     • %s %s\n", att.Target, att.Description)
	}
	return nil
}

func runFlagAttach(cmd *cobra.Command, args []string, a *app) error {
	description, _ := cmd.Flags().GetString("description")

	var att *dq.Attachment
	err := a.svc.Update(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		att, err = a.svc.AttachToFlag(tx, storage.NodeID(args[0]), storage.NodeID(args[1]), description)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Attached %s to flag %s\n", att.Target, att.Flag)
	return nil
}

func runFlagDelete(cmd *cobra.Command, args []string, a *app) error {
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	n, err := a.svc.DeleteFlags(cmd.Context(), refs(args), batchSize)
	if err != nil {
		return reportBatchError("flags deleted", err)
	}
	fmt.Printf("🗑️  Deleted %d flag(s)\n", n)
	return nil
}

func runFlagDeleteOfEntities(cmd *cobra.Command, args []string, a *app) error {
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	n, err := a.svc.DeleteFlagsOfEntities(cmd.Context(), refs(args), batchSize)
	if err != nil {
		return reportBatchError("entities processed", err)
	}
	fmt.Printf("🗑️  Deleted the flags of %d entit(ies)\n", n)
	return nil
}

func refs(args []string) dq.Targets {
	ids := make([]storage.NodeID, len(args))
	for i, a := range args {
		ids[i] = storage.NodeID(strings.TrimSpace(a))
	}
	return dq.Refs(ids...)
}

func reportBatchError(what string, err error) error {
	var batchErr *dq.BatchError
	if errors.As(err, &batchErr) {
		fmt.Printf("⚠️  Stopped after %d batch(es), %d %s before the failure\n", batchErr.Batches, batchErr.Committed, what)
	}
	return err
}

// =============================================================================
// class
// =============================================================================

func newClassCmd() *cobra.Command {
	classCmd := &cobra.Command{
		Use:   "class",
		Short: "Flag class operations",
	}

	createCmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Find or create a flag class",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runClassCreate),
	}
	createCmd.Flags().String("parent", dq.RootClass, "Parent class label")
	createCmd.Flags().Int64("alert-limit", -1, "Alert trigger limit (stored only when positive)")
	createCmd.Flags().String("description", "", "Class description")
	classCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flag classes",
		Args:  cobra.NoArgs,
		RunE:  withApp(runClassList),
	}
	listCmd.Flags().String("label", "", "Only the class with this label")
	classCmd.AddCommand(listCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <label>",
		Short: "Delete a class and the flags directly in it",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runClassDelete),
	}
	classCmd.AddCommand(deleteCmd)

	return classCmd
}

func runClassCreate(cmd *cobra.Command, args []string, a *app) error {
	parent, _ := cmd.Flags().GetString("parent")
	limit, _ := cmd.Flags().GetInt64("alert-limit")
	description, _ := cmd.Flags().GetString("description")

	unlock := a.svc.LockClasses(args[0], parent)
	defer unlock()

	var class *dq.FlagClass
	err := a.svc.Update(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		class, err = a.svc.CreateClass(tx, args[0], parent, limit, description)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Class %s (node %s) under %s\n", class.Label, class.ID, class.Parent)
	return nil
}

func runClassList(cmd *cobra.Command, args []string, a *app) error {
	label, _ := cmd.Flags().GetString("label")

	var classes []*dq.FlagClass
	err := a.svc.View(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		classes, err = dq.Collect(a.svc.ListClasses(tx, label))
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("🗂️  %d class(es)\n", len(classes))
	for _, c := range classes {
		parent := c.Parent
		if c.IsRoot() {
			parent = "-"
		}
		fmt.Printf("  • %-24s parent=%-16s", c.Label, parent)
		if c.AlertTriggerLimit > 0 {
			fmt.Printf(" alert>=%d", c.AlertTriggerLimit)
		}
		if c.Description != "" {
			fmt.Printf(" %s", c.Description)
		}
		fmt.Println()
	}
	return nil
}

func runClassDelete(cmd *cobra.Command, args []string, a *app) error {
	unlock := a.svc.LockClasses(args[0])
	defer unlock()

	var removed int
	err := a.svc.Update(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		removed, err = a.svc.DeleteClass(tx, args[0])
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("🗑️  Deleted class %s and %d flag(s)\n", args[0], removed)
	return nil
}

// =============================================================================
// stats
// =============================================================================

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [class]",
		Short: "Show flag counts for a class (default: all)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withApp(runStats),
	}
}

func runStats(cmd *cobra.Command, args []string, a *app) error {
	class := ""
	if len(args) == 1 {
		class = args[0]
	}

	var stats *dq.Stats
	err := a.svc.View(cmd.Context(), func(tx storage.Transaction) error {
		var err error
		stats, err = a.svc.Statistics(cmd.Context(), tx, class)
		return err
	})
	if err != nil {
		return err
	}
	if stats == nil {
		fmt.Println("📊 No such class")
		return nil
	}

	fmt.Printf("📊 Statistics for %s:\n", stats.Class)
	fmt.Printf("  Direct:   %d\n", stats.Direct)
	fmt.Printf("  Indirect: %d\n", stats.Indirect)
	fmt.Printf("  Total:    %d\n", stats.Total)
	return nil
}
