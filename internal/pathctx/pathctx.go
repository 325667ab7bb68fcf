// Package pathctx derives a publish context (project, entity, step, task)
// from a file path.
//
// Rules are tried in order against the path relative to the project data
// root. The first rule whose pattern matches names the entity through its
// "name" capture group:
//
//	pattern: ^assets/[^/]+/(?P<name>[^/]+)/
//	entity_type: Asset
//	step: model
//
// When a rule names a step, the task is inferred from the step only if
// exactly one Task of that step is linked to the entity.
package pathctx

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"

	"github.com/mschirtzinger/p4sync/internal/entity"
)

// Context links a published file into the project hierarchy.
type Context struct {
	Project *entity.Ref `json:"project,omitempty"`
	Entity  *entity.Ref `json:"entity,omitempty"`
	Step    *entity.Ref `json:"step,omitempty"`
	Task    *entity.Ref `json:"task,omitempty"`
}

// Fields returns the entity fields a published file carries for the context.
func (c *Context) Fields() map[string]any {
	fields := make(map[string]any, 3)
	if c.Project != nil {
		fields["project"] = *c.Project
	}
	if c.Entity != nil {
		fields["entity"] = *c.Entity
	}
	if c.Task != nil {
		fields["task"] = *c.Task
	}
	return fields
}

// String describes the context for logs.
func (c *Context) String() string {
	if c == nil {
		return "<no context>"
	}
	s := "<project>"
	if c.Project != nil {
		s = c.Project.String()
	}
	for _, r := range []*entity.Ref{c.Entity, c.Step, c.Task} {
		if r != nil {
			s += " " + r.String()
		}
	}
	return s
}

// FromValue decodes a context from a side-channel payload value: an object
// with optional project, entity, step and task references.
func FromValue(v any) (*Context, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	c := &Context{}
	for key, dst := range map[string]**entity.Ref{
		"project": &c.Project,
		"entity":  &c.Entity,
		"step":    &c.Step,
		"task":    &c.Task,
	} {
		if r, ok := entity.AsRef(m[key]); ok {
			ref := r
			*dst = &ref
		}
	}
	if c.Project == nil && c.Entity == nil && c.Step == nil && c.Task == nil {
		return nil, false
	}
	return c, true
}

// Rule maps a path pattern to an entity type and an optional step.
type Rule struct {
	Pattern    string `mapstructure:"pattern"`
	EntityType string `mapstructure:"entity_type"`
	Step       string `mapstructure:"step"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Resolver derives contexts from paths.
//
// Entity, step and task lookups are cached for the life of the Resolver.
type Resolver struct {
	store  entity.Store
	rules  []compiledRule
	logger *log.Logger

	entities map[string]*entity.Ref
	steps    map[string]*entity.Ref
	tasks    map[string]*entity.Ref
}

// New compiles the rules. Every pattern must have a "name" capture group.
func New(store entity.Store, rules []Rule, logger *log.Logger) (*Resolver, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[pathctx] ", log.LstdFlags)
	}

	r := &Resolver{
		store:    store,
		logger:   logger,
		entities: make(map[string]*entity.Ref),
		steps:    make(map[string]*entity.Ref),
		tasks:    make(map[string]*entity.Ref),
	}

	for i, rule := range rules {
		if rule.EntityType == "" {
			return nil, fmt.Errorf("context rule %d: entity_type is required", i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("context rule %d: %w", i, err)
		}
		if re.SubexpIndex("name") < 0 {
			return nil, fmt.Errorf("context rule %d: pattern %q has no (?P<name>...) group", i, rule.Pattern)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, re: re})
	}

	return r, nil
}

// Resolve derives the context for relPath inside project. A path matching no
// rule, or naming an entity the store does not have, gets a project-only
// context.
func (r *Resolver) Resolve(ctx context.Context, project entity.Ref, relPath string) (*Context, error) {
	c := &Context{Project: &project}

	for _, rule := range r.rules {
		m := rule.re.FindStringSubmatch(relPath)
		if m == nil {
			continue
		}
		name := m[rule.re.SubexpIndex("name")]

		ent, err := r.lookupEntity(ctx, project, rule.EntityType, name)
		if err != nil {
			return nil, err
		}
		if ent == nil {
			r.logger.Printf("No %s %q in %s for %s", rule.EntityType, name, project, relPath)
			return c, nil
		}
		c.Entity = ent

		if rule.Step != "" {
			step, err := r.lookupStep(ctx, rule.EntityType, rule.Step)
			if err != nil {
				return nil, err
			}
			c.Step = step
		}
		break
	}

	if err := r.InferTask(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// InferTask sets c.Task when c has an entity and a step but no task and
// exactly one Task matches both.
func (r *Resolver) InferTask(ctx context.Context, c *Context) error {
	if c == nil || c.Task != nil || c.Entity == nil || c.Step == nil {
		return nil
	}

	key := c.Entity.String() + "/" + c.Step.String()
	if task, ok := r.tasks[key]; ok {
		c.Task = task
		return nil
	}

	tasks, err := r.store.Find(ctx, "Task",
		[]entity.Filter{entity.Is("step", *c.Step), entity.Is("entity", *c.Entity)},
		entity.FindOptions{Fields: []string{"content"}, Limit: 2})
	if err != nil {
		return fmt.Errorf("failed to find tasks for %s: %w", key, err)
	}

	var task *entity.Ref
	if len(tasks) == 1 {
		ref := entity.Ref{Type: "Task", ID: tasks[0].ID, Name: tasks[0].String("content")}
		task = &ref
	}
	r.tasks[key] = task
	c.Task = task
	return nil
}

func (r *Resolver) lookupEntity(ctx context.Context, project entity.Ref, entityType, code string) (*entity.Ref, error) {
	key := project.String() + "/" + entityType + "/" + code
	if ref, ok := r.entities[key]; ok {
		return ref, nil
	}

	e, err := r.store.FindOne(ctx, entityType,
		[]entity.Filter{entity.Is("project", project), entity.Is("code", code)},
		entity.FindOptions{Fields: []string{"code"}})
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %s: %w", entityType, code, err)
	}

	var ref *entity.Ref
	if e != nil {
		found := e.Ref()
		ref = &found
	}
	r.entities[key] = ref
	return ref, nil
}

func (r *Resolver) lookupStep(ctx context.Context, entityType, code string) (*entity.Ref, error) {
	key := entityType + "/" + code
	if ref, ok := r.steps[key]; ok {
		return ref, nil
	}

	e, err := r.store.FindOne(ctx, "Step",
		[]entity.Filter{entity.Is("entity_type", entityType), entity.Is("code", code)},
		entity.FindOptions{Fields: []string{"code"}})
	if err != nil {
		return nil, fmt.Errorf("failed to find step %s: %w", code, err)
	}

	var ref *entity.Ref
	if e != nil {
		found := e.Ref()
		ref = &found
	}
	r.steps[key] = ref
	return ref, nil
}
