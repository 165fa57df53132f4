package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/asientohq/asiento/pkg/tooldispatch"
)

// RegisterTools exposes the memory store to the model through the tool
// dispatcher. The handlers translate their domain errors into failure
// envelopes so a bad memory operation never aborts the turn.
func RegisterTools(d *tooldispatch.Dispatcher, store *Store) error {
	tools := []tooldispatch.Definition{
		{
			Name:        "save_memory",
			Description: "Save a durable fact about the organization or the current user for future conversations",
			Parameters: []tooldispatch.Parameter{
				{Name: "content", Type: "string", Description: "The fact to remember", Required: true},
				{Name: "category", Type: "string", Description: "Fact category, e.g. PROCEDURE, PREFERENCE, DEADLINE"},
				{Name: "importance", Type: "integer", Description: "Importance from 1 to 10", Required: true},
				{Name: "scope", Type: "string", Description: "Who the fact applies to", Enum: []string{"tenant", "user"}, Required: true},
			},
			Handler: store.saveMemoryTool,
		},
		{
			Name:        "update_memory",
			Description: "Update the content, category or importance of a stored memory",
			Parameters: []tooldispatch.Parameter{
				{Name: "id", Type: "string", Description: "Memory record id", Required: true},
				{Name: "content", Type: "string", Description: "Replacement content"},
				{Name: "category", Type: "string", Description: "Replacement category"},
				{Name: "importance", Type: "integer", Description: "Replacement importance from 1 to 10"},
			},
			Handler: store.updateMemoryTool,
		},
		{
			Name:        "delete_memory",
			Description: "Delete a stored memory that is no longer true",
			Parameters: []tooldispatch.Parameter{
				{Name: "id", Type: "string", Description: "Memory record id", Required: true},
			},
			Handler: store.deleteMemoryTool,
		},
		{
			Name:        "list_memories",
			Description: "List stored memories by importance and recency",
			Parameters: []tooldispatch.Parameter{
				{Name: "scope", Type: "string", Description: "Which memories to list", Enum: []string{"tenant", "user", "all"}},
				{Name: "limit", Type: "integer", Description: "Maximum records to return"},
			},
			Handler: store.listMemoriesTool,
		},
		{
			Name:        "search_memories",
			Description: "Search stored memories by semantic similarity",
			Parameters: []tooldispatch.Parameter{
				{Name: "query", Type: "string", Description: "What to look for", Required: true},
				{Name: "scope", Type: "string", Description: "Which memories to search", Enum: []string{"tenant", "user", "all"}},
				{Name: "limit", Type: "integer", Description: "Maximum records to return"},
			},
			Handler: store.searchMemoriesTool,
		},
	}

	for _, def := range tools {
		if err := d.Register(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

func (s *Store) saveMemoryTool(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
	in := StoreInput{
		TenantID:   req.TenantID,
		Content:    stringArg(req.Args, "content"),
		Category:   stringArg(req.Args, "category"),
		Importance: intArg(req.Args, "importance"),
	}
	if stringArg(req.Args, "scope") == "user" {
		in.UserID = req.UserID
	}

	rec, err := s.Store(ctx, in)
	if err != nil {
		return tooldispatch.Failure("could not save the memory", err), nil
	}
	return tooldispatch.Result{
		Success: true,
		Data:    rec,
		Summary: fmt.Sprintf("Saved memory %s (%s, importance %d)", rec.ID, rec.Category, rec.Importance),
	}, nil
}

func (s *Store) updateMemoryTool(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
	patch := Patch{}
	if v, ok := req.Args["content"].(string); ok {
		patch.Content = &v
	}
	if v, ok := req.Args["category"].(string); ok {
		patch.Category = &v
	}
	if _, ok := req.Args["importance"]; ok {
		v := intArg(req.Args, "importance")
		patch.Importance = &v
	}

	rec, err := s.Update(ctx, stringArg(req.Args, "id"), req.TenantID, patch)
	if errors.Is(err, ErrNotFound) {
		return tooldispatch.Failure("that memory does not exist", err), nil
	}
	if err != nil {
		return tooldispatch.Failure("could not update the memory", err), nil
	}
	return tooldispatch.Result{
		Success: true,
		Data:    rec,
		Summary: fmt.Sprintf("Updated memory %s", rec.ID),
	}, nil
}

func (s *Store) deleteMemoryTool(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
	id := stringArg(req.Args, "id")

	err := s.Delete(ctx, id, req.TenantID)
	if errors.Is(err, ErrNotFound) {
		return tooldispatch.Failure("that memory does not exist", err), nil
	}
	if err != nil {
		return tooldispatch.Failure("could not delete the memory", err), nil
	}
	return tooldispatch.Result{
		Success: true,
		Summary: fmt.Sprintf("Deleted memory %s", id),
	}, nil
}

func (s *Store) listMemoriesTool(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
	records, err := s.List(ctx, Query{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Scope:    scopeArg(req.Args),
		Limit:    intArg(req.Args, "limit"),
	})
	if err != nil {
		return tooldispatch.Failure("could not list memories", err), nil
	}
	return tooldispatch.Result{
		Success: true,
		Data:    records,
		Summary: fmt.Sprintf("Found %d memories", len(records)),
	}, nil
}

func (s *Store) searchMemoriesTool(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
	records, err := s.Search(ctx, req.TenantID, req.UserID,
		stringArg(req.Args, "query"), scopeArg(req.Args), intArg(req.Args, "limit"))
	if err != nil {
		return tooldispatch.Failure("could not search memories", err), nil
	}
	return tooldispatch.Result{
		Success: true,
		Data:    records,
		Summary: fmt.Sprintf("Found %d memories", len(records)),
	}, nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg tolerates float64, the type JSON numbers decode to
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func scopeArg(args map[string]interface{}) Scope {
	switch stringArg(args, "scope") {
	case "user":
		return ScopeUser
	case "tenant":
		return ScopeTenant
	default:
		return ScopeAll
	}
}
