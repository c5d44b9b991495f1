package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FactSaver persists remembered facts. Save reports whether the fact was new.
type FactSaver interface {
	Save(ctx context.Context, fact string) (bool, error)
}

// Remember stores a fact about the user in long-term memory.
func Remember(store FactSaver) Tool {
	return Tool{
		Spec: Spec{
			Name:        "remember",
			Description: "Save a specific fact about the user to your long-term memory. Use this when the user tells you something personal like their name, preferences, location, or specific details they want you to remember.",
			Params: []Param{{
				Name:        "fact",
				Description: `The fact to remember (e.g., "User lives in Paris", "User likes Python").`,
				Required:    true,
			}},
		},
		Handler: HandlerFunc(func(ctx context.Context, args map[string]string) (string, error) {
			fact := strings.TrimSpace(args["fact"])
			if fact == "" {
				return "", errors.New("fact is required")
			}
			if _, err := store.Save(ctx, fact); err != nil {
				return "", fmt.Errorf("save memory: %w", err)
			}
			return fmt.Sprintf("Memory saved: %q", fact), nil
		}),
	}
}
