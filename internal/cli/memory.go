package cli

import (
	"fmt"

	"github.com/asientohq/asiento/pkg/memstore"
	"github.com/spf13/cobra"
)

var (
	memTenantID   string
	memUserID     string
	memScope      string
	memCategory   string
	memImportance int
	memLimit      int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage stored memories",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories by importance and recency",
	RunE:  runMemoryList,
}

var memorySaveCmd = &cobra.Command{
	Use:   "save <content>",
	Short: "Save a memory record",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemorySave,
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory record",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryDelete,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memTenantID, "tenant", "", "tenant id (required)")
	memoryCmd.PersistentFlags().StringVar(&memUserID, "user", "", "user id")

	memoryListCmd.Flags().StringVar(&memScope, "scope", "all", "scope: tenant, user or all")
	memoryListCmd.Flags().IntVar(&memLimit, "limit", 20, "maximum records")

	memorySaveCmd.Flags().StringVar(&memScope, "scope", "tenant", "scope: tenant or user")
	memorySaveCmd.Flags().StringVar(&memCategory, "category", "", "record category")
	memorySaveCmd.Flags().IntVar(&memImportance, "importance", 5, "importance from 1 to 10")

	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memorySaveCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
	rootCmd.AddCommand(memoryCmd)
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	if memTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	records, err := rt.memories.List(cmd.Context(), memstore.Query{
		TenantID: memTenantID,
		UserID:   memUserID,
		Scope:    memstore.Scope(memScope),
		Limit:    memLimit,
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		owner := "tenant"
		if rec.UserID != "" {
			owner = rec.UserID
		}
		fmt.Printf("%s  [%s] (%d, %s) %s\n", rec.ID, rec.Category, rec.Importance, owner, rec.Content)
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}

func runMemorySave(cmd *cobra.Command, args []string) error {
	if memTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	in := memstore.StoreInput{
		TenantID:   memTenantID,
		Content:    args[0],
		Category:   memCategory,
		Importance: memImportance,
	}
	if memScope == "user" {
		in.UserID = memUserID
	}

	rec, err := rt.memories.Store(cmd.Context(), in)
	if err != nil {
		return err
	}
	fmt.Printf("saved %s\n", rec.ID)
	return nil
}

func runMemoryDelete(cmd *cobra.Command, args []string) error {
	if memTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.memories.Delete(cmd.Context(), args[0], memTenantID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}
