package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"storestack/internal/app"
	"storestack/internal/core"
	"storestack/pkg/domain"
)

// session runs operations against one open stack. The shell keeps a session
// open across lines; one-shot commands open and close one per invocation.
type session struct {
	stack *app.Stack
	out   io.Writer
	json  bool
}

type storeInfo struct {
	Driver      string         `json:"driver"`
	Location    string         `json:"location"`
	Reset       bool           `json:"reset_or_created_on_load"`
	MergePolicy string         `json:"merge_policy"`
	Cleanup     bool           `json:"cleanup_configured"`
	Counts      map[string]int `json:"counts"`
	Total       int            `json:"total"`
}

func (s *session) main(ctx context.Context) (*core.Context, error) {
	return s.stack.Manager.MainContext(ctx)
}

func (s *session) info(ctx context.Context) error {
	main, err := s.main(ctx)
	if err != nil {
		return err
	}
	info := storeInfo{
		Driver:      s.stack.Backend.Driver(),
		Location:    s.stack.Backend.Location(),
		Reset:       s.stack.Manager.IsResetOrCreatedOnLoad(),
		MergePolicy: string(s.stack.Manager.MergePolicy()),
		Cleanup:     s.stack.Config.Cleanup.Enabled(),
		Counts:      map[string]int{},
	}
	for _, obj := range main.List("") {
		info.Counts[string(obj.Entity)]++
		info.Total++
	}
	if s.json {
		return writeJSON(s.out, info)
	}
	printSection(s.out, "Store")
	printLabelValue(s.out, "Driver", info.Driver)
	printLabelValue(s.out, "Location", info.Location)
	printLabelValue(s.out, "Reset on load", fmt.Sprint(info.Reset))
	printLabelValue(s.out, "Merge policy", info.MergePolicy)
	printLabelValue(s.out, "Cleanup", fmt.Sprint(info.Cleanup))
	printSection(s.out, "Objects")
	if info.Total == 0 {
		printEmptyState(s.out, "No objects stored")
		return nil
	}
	entities := make([]string, 0, len(info.Counts))
	for e := range info.Counts {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	rows := make([][]string, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, []string{e, fmt.Sprint(info.Counts[e])})
	}
	printTable(s.out, []string{"Entity", "Count"}, rows)
	return nil
}

// put inserts or updates through a unit of work that saves itself.
func (s *session) put(ctx context.Context, id, entity string, pairs []string) error {
	attrs, removals, err := parseAssignments(pairs)
	if err != nil {
		return err
	}
	var result domain.Object
	m := s.stack.Manager
	err = m.PerformUnitOfWork(ctx, "cli-put", core.UnitOfWorkFunc(func(ctx context.Context, wc *core.Context, _ string) error {
		var err error
		existing, getErr := wc.Get(id)
		switch {
		case id != "" && getErr == nil:
			if existing.Entity != domain.EntityType(entity) {
				return fmt.Errorf("object %s is a %s, not a %s", id, existing.Entity, entity)
			}
			result, err = wc.Update(id, func(obj *domain.Object) error {
				for k, v := range attrs {
					obj.Attributes[k] = v
				}
				for _, k := range removals {
					delete(obj.Attributes, k)
				}
				return nil
			})
		default:
			result, err = wc.InsertObject(domain.Object{ID: id, Entity: domain.EntityType(entity), Attributes: attrs})
		}
		if err != nil {
			return err
		}
		return m.Save(ctx, wc, false)
	}))
	if err != nil {
		return err
	}
	if s.json {
		return writeJSON(s.out, result)
	}
	printSuccess(s.out, fmt.Sprintf("Saved %s %s", result.Entity, result.ID))
	return nil
}

func (s *session) get(ctx context.Context, id string) error {
	main, err := s.main(ctx)
	if err != nil {
		return err
	}
	obj, err := main.Get(id)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if s.json {
		return writeJSON(s.out, obj)
	}
	printSection(s.out, fmt.Sprintf("%s %s", obj.Entity, obj.ID))
	printLabelValue(s.out, "Created", obj.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
	printLabelValue(s.out, "Updated", obj.UpdatedAt.Format("2006-01-02 15:04:05Z07:00"))
	for _, k := range obj.Attributes.Keys() {
		printLabelValue(s.out, k, formatValue(obj.Attributes[k]))
	}
	return nil
}

func (s *session) list(ctx context.Context, entity string) error {
	main, err := s.main(ctx)
	if err != nil {
		return err
	}
	objects := main.List(domain.EntityType(entity))
	if s.json {
		if objects == nil {
			objects = []domain.Object{}
		}
		return writeJSON(s.out, objects)
	}
	title := "Objects"
	if entity != "" {
		title = fmt.Sprintf("Objects (%s)", entity)
	}
	printSection(s.out, title)
	if len(objects) == 0 {
		printEmptyState(s.out, "No objects found")
		return nil
	}
	rows := make([][]string, 0, len(objects))
	for _, obj := range objects {
		rows = append(rows, []string{obj.ID, string(obj.Entity), summarize(obj.Attributes)})
	}
	printTable(s.out, []string{"ID", "Entity", "Attributes"}, rows)
	return nil
}

func (s *session) delete(ctx context.Context, id string) error {
	m := s.stack.Manager
	err := m.PerformUnitOfWork(ctx, "cli-delete", core.UnitOfWorkFunc(func(ctx context.Context, wc *core.Context, _ string) error {
		if err := wc.Delete(id); err != nil {
			return err
		}
		return m.Save(ctx, wc, false)
	}))
	if err != nil {
		return err
	}
	if s.json {
		return writeJSON(s.out, map[string]string{"deleted": id})
	}
	printSuccess(s.out, "Deleted "+id)
	return nil
}

func (s *session) cleanup(ctx context.Context) error {
	main, err := s.main(ctx)
	if err != nil {
		return err
	}
	before := len(main.List(""))
	if err := s.stack.Manager.SaveMain(ctx, true); err != nil {
		return err
	}
	pruned := before - len(main.List(""))
	if s.json {
		return writeJSON(s.out, map[string]int{"pruned": pruned})
	}
	if !s.stack.Config.Cleanup.Enabled() {
		printWarning(s.out, "No cleanup policy configured")
	}
	printSuccess(s.out, fmt.Sprintf("Pruned %d object(s)", pruned))
	return nil
}

// parseAssignments splits key=value pairs. Values that parse as JSON keep
// their JSON type; an empty value marks the key for removal.
func parseAssignments(pairs []string) (domain.Attributes, []string, error) {
	attrs := domain.Attributes{}
	var removals []string
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("invalid assignment %q, want key=value", pair)
		}
		if raw == "" {
			removals = append(removals, key)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		attrs[key] = v
	}
	return attrs, removals, nil
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

const summaryWidth = 60

func summarize(attrs domain.Attributes) string {
	parts := make([]string, 0, len(attrs))
	for _, k := range attrs.Keys() {
		parts = append(parts, k+"="+formatValue(attrs[k]))
	}
	out := strings.Join(parts, " ")
	if runes := []rune(out); len(runes) > summaryWidth {
		out = string(runes[:summaryWidth-3]) + "..."
	}
	return out
}

// describeError renders save failures with the context and stage.
func describeError(err error) string {
	var saveErr *core.SaveError
	if errors.As(err, &saveErr) {
		return fmt.Sprintf("save %s failed at %s: %v", saveErr.Label, saveErr.Stage, saveErr.Err)
	}
	return err.Error()
}
