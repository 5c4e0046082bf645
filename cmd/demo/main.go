// demo walks through the resolution pipeline against an in-memory record
// store: exact reuse, ambiguity with a human choice, record creation with
// schema defaults, and nested array items.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"

	"entitylink/internal/config"
	"entitylink/internal/logging"
	"entitylink/internal/resolution"
	"entitylink/internal/schema"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

var (
	heading = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen)
	warning = color.New(color.FgYellow)
	detail  = color.New(color.Faint)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	registry := demoRegistry()

	resCfg := config.DefaultConfig().Resolution
	// Lift the partial-match score for people into the consider band so the
	// ambiguity walkthrough below actually asks instead of creating.
	resCfg.TypeOverrides = map[string]config.ThresholdOverride{
		"person": {PartialMatchScore: 0.75},
	}

	store := storage.NewMemoryRecordStore(registry, resCfg.PartialMatchScore)
	if err := seed(ctx, store); err != nil {
		return err
	}

	engine := resolution.NewEngine(store, nil, registry, &resCfg, logging.NewNoOpLogger())
	session := resolution.NewSession(engine, logging.NewNoOpLogger())

	spec := &types.ResolveSpec{
		Fields: map[string]*types.FieldResolutionSpec{
			"assignee_id": {
				RecordType:      "person",
				SearchFields:    []string{"name", "email"},
				CreateIfMissing: true,
				Required:        true,
			},
		},
		Arrays: map[string]map[string]*types.FieldResolutionSpec{
			"items": {
				"product_id": {
					RecordType:      "product",
					SearchFields:    []string{"name"},
					CreateIfMissing: true,
				},
			},
		},
	}

	heading.Println("1. Exact match reuses the existing record")
	record := types.FieldMap{"title": "Fix login flow", "assignee_id": "Ada Lovelace"}
	if err := resolveAndPrint(ctx, session, record, spec); err != nil {
		return err
	}

	heading.Println("\n2. Partial match inside the consider band asks the user")
	record = types.FieldMap{"title": "Ship Q3 report", "assignee_id": "Ada"}
	result, err := session.Resolve(ctx, record, spec)
	if err != nil {
		return err
	}
	printResult(result)

	if choices := result.Log.AwaitingChoices(); len(choices) > 0 {
		entry := choices[0]
		chosen := entry.Decision.Candidates[0]
		warning.Printf("   user picks %s\n", chosen.ID)
		resumed, err := session.ResolveChoice(ctx, record, spec, entry.FieldPath, chosen.ID)
		if err != nil {
			return err
		}
		printResult(resumed)
	}

	heading.Println("\n3. No match creates a record with schema defaults")
	record = types.FieldMap{"title": "Audit billing", "assignee_id": "grace@example.com"}
	if err := resolveAndPrint(ctx, session, record, spec); err != nil {
		return err
	}

	heading.Println("\n4. Array items resolve independently")
	record = types.FieldMap{
		"title": "Restock order",
		"items": []any{
			map[string]any{"product_id": "Widget Mk II", "qty": 3},
			map[string]any{"product_id": "Completely New Gadget", "qty": 1},
		},
	}
	return resolveAndPrint(ctx, session, record, spec)
}

func resolveAndPrint(ctx context.Context, session *resolution.Session, record types.FieldMap, spec *types.ResolveSpec) error {
	result, err := session.Resolve(ctx, record, spec)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(result *resolution.Result) {
	for _, entry := range result.Log.Entries {
		d := entry.Decision
		switch d.Kind {
		case types.DecisionReused:
			success.Printf("   %s -> reused %s (score %.2f)\n", entry.FieldPath, d.ID, d.Score)
		case types.DecisionCreated:
			success.Printf("   %s -> created %s\n", entry.FieldPath, d.ID)
		case types.DecisionAwaitingChoice:
			warning.Printf("   %s -> awaiting choice between %d candidates\n", entry.FieldPath, len(d.Candidates))
			for _, c := range d.Candidates {
				detail.Printf("      %s (score %.2f, %s)\n", c.ID, c.Score, c.Source)
			}
		case types.DecisionUnresolved:
			warning.Printf("   %s -> unresolved: %s\n", entry.FieldPath, d.Reason)
		}
	}
	out, _ := json.Marshal(result.FieldMap)
	detail.Printf("   record: %s\n", out)
}

func demoRegistry() *schema.Registry {
	registry := schema.NewRegistry()
	_ = registry.Register(&schema.RecordType{
		Name:        "person",
		UniqueField: "email",
		Fields: map[string]schema.FieldDef{
			"name":   {Kind: schema.KindText, Required: true},
			"email":  {Kind: schema.KindEmail, Required: true},
			"active": {Kind: schema.KindBool, Default: true},
		},
	})
	_ = registry.Register(&schema.RecordType{
		Name:        "product",
		UniqueField: "name",
		Fields: map[string]schema.FieldDef{
			"name":   {Kind: schema.KindText, Required: true},
			"status": {Kind: schema.KindEnum, Options: []string{"draft", "active"}},
		},
	})
	return registry
}

func seed(ctx context.Context, store *storage.MemoryRecordStore) error {
	seeds := []struct {
		recordType  string
		uniqueField string
		data        types.FieldMap
	}{
		{"person", "email", types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com", "active": true}},
		{"person", "email", types.FieldMap{"name": "Adam Curie", "email": "adam@example.com", "active": true}},
		{"product", "name", types.FieldMap{"name": "Widget Mk II", "status": "active"}},
	}
	for _, s := range seeds {
		if _, _, err := store.CreateIfAbsent(ctx, s.recordType, s.uniqueField, s.data); err != nil {
			return err
		}
	}
	return nil
}
