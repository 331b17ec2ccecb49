package orders

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/recipe-v1.json
var recipeSchemaJSON string

var ErrUnknownRecipe = errors.New("unknown recipe")

type recipeFile struct {
	Recipes []types.Recipe `yaml:"recipes"`
}

// RecipeBook holds the validated recipes by name.
type RecipeBook struct {
	schema *jsonschema.Schema

	mu      sync.RWMutex
	recipes map[string]types.Recipe
}

func NewRecipeBook() (*RecipeBook, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("recipe-v1.json", strings.NewReader(recipeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("recipe-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &RecipeBook{schema: schema, recipes: make(map[string]types.Recipe)}, nil
}

func (b *RecipeBook) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recipes: %w", err)
	}
	if err := b.Load(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load validates a YAML recipe document against the schema and replaces the
// book's contents with it.
func (b *RecipeBook) Load(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("recipes are not JSON compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := b.schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var file recipeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode recipes: %w", err)
	}

	recipes := make(map[string]types.Recipe, len(file.Recipes))
	for _, r := range file.Recipes {
		if _, dup := recipes[r.Name]; dup {
			return fmt.Errorf("duplicate recipe %q", r.Name)
		}
		for i, s := range r.Steps {
			if s.Type == types.StepHeat && s.Duration <= 0 {
				return fmt.Errorf("recipe %s step %d: heat duration must be positive", r.Name, i)
			}
		}
		recipes[r.Name] = r
	}

	b.mu.Lock()
	b.recipes = recipes
	b.mu.Unlock()
	return nil
}

func (b *RecipeBook) Recipe(name string) (types.Recipe, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.recipes[name]
	if !ok {
		return types.Recipe{}, fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	return r, nil
}

func (b *RecipeBook) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.recipes))
	for n := range b.recipes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckZones verifies every heat step targets one of zones.
func (b *RecipeBook) CheckZones(zones []string) error {
	known := make(map[string]bool, len(zones))
	for _, z := range zones {
		known[z] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for _, r := range b.recipes {
		for i, s := range r.Steps {
			if s.Type == types.StepHeat && !known[s.Zone] {
				errs = append(errs, fmt.Errorf("recipe %s step %d: unknown zone %q", r.Name, i, s.Zone))
			}
		}
	}
	return errors.Join(errs...)
}
